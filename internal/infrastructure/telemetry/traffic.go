package telemetry

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"schemapilot/internal/bootstrap/logging"
	"schemapilot/internal/errs"
	"schemapilot/internal/ports"
)

const maxLineBytes = 1 << 20

// JSONLTrafficSource reads recorded queries from query-log files laid out
// as <dir>/<version>.jsonl or <dir>/<version>/*.jsonl, one RecordedQuery per
// line. Only the newest limit entries are returned when limit is positive.
type JSONLTrafficSource struct {
	dir   string
	limit int
}

var _ ports.TrafficSource = (*JSONLTrafficSource)(nil)

func NewJSONLTrafficSource(dir string, limit int) *JSONLTrafficSource {
	return &JSONLTrafficSource{dir: dir, limit: limit}
}

func (s *JSONLTrafficSource) Sample(ctx context.Context, targetVersion string) ([]ports.RecordedQuery, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, errs.Wrap(err, "check context")
	}
	version := strings.TrimSpace(targetVersion)
	if version == "" || strings.ContainsAny(version, `/\`) || version == "." || version == ".." {
		return nil, fmt.Errorf("invalid target version %q", targetVersion)
	}

	files, err := s.files(version)
	if err != nil {
		return nil, err
	}
	logCtx := logging.WithAttrs(ctx, slog.String("component", "infrastructure.telemetry"), slog.String("target_version", version))

	var out []ports.RecordedQuery
	skipped := 0
	for _, path := range files {
		queries, bad, err := readQueryLog(ctx, path)
		if err != nil {
			return nil, err
		}
		out = append(out, queries...)
		skipped += bad
	}
	if skipped > 0 {
		logging.Warn(logCtx, "skipped malformed query log lines", slog.Int("skipped", skipped))
	}
	if s.limit > 0 && len(out) > s.limit {
		out = out[len(out)-s.limit:]
	}
	logging.Debug(logCtx, "traffic sample loaded", slog.Int("files", len(files)), slog.Int("queries", len(out)))
	return out, nil
}

func (s *JSONLTrafficSource) files(version string) ([]string, error) {
	single := filepath.Join(s.dir, version+".jsonl")
	if _, err := os.Stat(single); err == nil {
		return []string{single}, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, errs.Wrapf(err, "stat %s", single)
	}

	matches, err := filepath.Glob(filepath.Join(s.dir, version, "*.jsonl"))
	if err != nil {
		return nil, errs.Wrap(err, "glob query logs")
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no query logs for version %s under %s", version, s.dir)
	}
	sort.Strings(matches)
	return matches, nil
}

func readQueryLog(ctx context.Context, path string) ([]ports.RecordedQuery, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, errs.Wrapf(err, "open %s", path)
	}
	defer f.Close()

	var out []ports.RecordedQuery
	bad := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, 0, errs.Wrap(err, "read query log")
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var q ports.RecordedQuery
		if err := json.Unmarshal([]byte(line), &q); err != nil || strings.TrimSpace(q.Query) == "" {
			bad++
			continue
		}
		if q.Count <= 0 {
			q.Count = 1
		}
		out = append(out, q)
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, errs.Wrapf(err, "scan %s", path)
	}
	return out, bad, nil
}
