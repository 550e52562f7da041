package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"schemapilot/internal/bootstrap/logging"
	"schemapilot/internal/domain/pipeline"
	"schemapilot/internal/errs"
)

const (
	processedDir = "processed"
	failedDir    = "failed"
)

// Submitter accepts a decoded proposal document.
type Submitter interface {
	Submit(ctx context.Context, input pipeline.ProposalInput) (string, error)
}

// Result records what happened to one inbox file.
type Result struct {
	File       string
	ProposalID string
	Err        error
}

// Watcher submits proposal documents dropped into a directory. A file is
// handled once it has been quiet for the settle window, then moved to
// processed/ or failed/ next to it.
type Watcher struct {
	dir       string
	submitter Submitter
	settle    time.Duration
	onResult  func(Result)

	mu      sync.Mutex
	pending map[string]time.Time
}

func NewWatcher(dir string, submitter Submitter, settle time.Duration, onResult func(Result)) *Watcher {
	if settle <= 0 {
		settle = 500 * time.Millisecond
	}
	return &Watcher{
		dir:       dir,
		submitter: submitter,
		settle:    settle,
		onResult:  onResult,
		pending:   make(map[string]time.Time),
	}
}

// Run handles files already present, then watches until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if w.submitter == nil {
		return errors.New("submitter is required")
	}
	for _, sub := range []string{w.dir, filepath.Join(w.dir, processedDir), filepath.Join(w.dir, failedDir)} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return errs.Wrapf(err, "create %s", sub)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errs.Wrap(err, "create fs watcher")
	}
	defer watcher.Close()
	if err := watcher.Add(w.dir); err != nil {
		return errs.Wrapf(err, "watch %s", w.dir)
	}

	logCtx := logging.WithAttrs(ctx, slog.String("component", "infrastructure.inbox"), slog.String("dir", w.dir))
	logging.Info(logCtx, "inbox watcher started")

	if _, err := w.Scan(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(w.settle / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logging.Info(logCtx, "inbox watcher stopped")
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Dir(event.Name) != filepath.Clean(w.dir) || !Supported(event.Name) {
				continue
			}
			w.mu.Lock()
			w.pending[event.Name] = time.Now()
			w.mu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logging.Warn(logCtx, "inbox watch error", slog.Any("err", errs.Loggable(err)))
		case now := <-ticker.C:
			for _, path := range w.settled(now) {
				w.handle(ctx, path)
			}
		}
	}
}

// Scan handles every document currently in the directory.
func (w *Watcher) Scan(ctx context.Context) ([]Result, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, errs.Wrapf(err, "read %s", w.dir)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !Supported(entry.Name()) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	results := make([]Result, 0, len(names))
	for _, name := range names {
		results = append(results, w.handle(ctx, filepath.Join(w.dir, name)))
	}
	return results, nil
}

func (w *Watcher) settled(now time.Time) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var ready []string
	for path, last := range w.pending {
		if now.Sub(last) >= w.settle {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	sort.Strings(ready)
	return ready
}

func (w *Watcher) handle(ctx context.Context, path string) Result {
	result := Result{File: filepath.Base(path)}
	logCtx := logging.WithAttrs(ctx, slog.String("component", "infrastructure.inbox"), slog.String("file", result.File))

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return result
	}
	if err == nil {
		var input pipeline.ProposalInput
		input, err = DecodeDocument(path, raw)
		if err == nil {
			result.ProposalID, err = w.submitter.Submit(ctx, input)
		}
	}
	result.Err = err

	target := processedDir
	if err != nil {
		target = failedDir
		logging.Warn(logCtx, "inbox document rejected", slog.Any("err", errs.Loggable(err)))
		_ = os.WriteFile(filepath.Join(w.dir, failedDir, result.File+".error"), []byte(err.Error()+"\n"), 0o644)
	} else {
		logging.Info(logCtx, "inbox document submitted", slog.String("proposal_id", result.ProposalID))
	}
	if moveErr := os.Rename(path, filepath.Join(w.dir, target, archiveName(result.File, result.ProposalID))); moveErr != nil {
		logging.Warn(logCtx, "move inbox document failed", slog.Any("err", errs.Loggable(moveErr)))
	}

	if w.onResult != nil {
		w.onResult(result)
	}
	return result
}

func archiveName(name string, proposalID string) string {
	if proposalID == "" {
		return name
	}
	ext := filepath.Ext(name)
	return fmt.Sprintf("%s.%s%s", strings.TrimSuffix(name, ext), proposalID, ext)
}
