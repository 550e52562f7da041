package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"schemapilot/internal/bootstrap/logging"
	"schemapilot/internal/errs"
	"schemapilot/internal/ports"
)

type migrationJob struct {
	state  ports.MigrationState
	cancel context.CancelFunc
	done   chan struct{}
}

// MigrationRunner runs backfill scripts against the live database as
// background jobs. Scripts run in order, each in auto-commit mode so they
// may batch themselves with CALL { ... } IN TRANSACTIONS.
type MigrationRunner struct {
	client *Client

	mu   sync.Mutex
	jobs map[string]*migrationJob
}

var _ ports.MigrationRunner = (*MigrationRunner)(nil)

func NewMigrationRunner(client *Client) *MigrationRunner {
	return &MigrationRunner{client: client, jobs: make(map[string]*migrationJob)}
}

func (r *MigrationRunner) Start(ctx context.Context, job ports.MigrationJob) (string, error) {
	if ctx == nil {
		return "", errors.New("context is required")
	}
	if r.client == nil || r.client.Driver == nil {
		return "", errors.New("neo4j client is required")
	}
	if len(job.Scripts) == 0 {
		return "", errors.New("migration scripts are required")
	}

	id := "mig-" + uuid.NewString()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	entry := &migrationJob{
		state:  ports.MigrationState{Status: ports.MigrationRunning},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.mu.Lock()
	r.jobs[id] = entry
	r.mu.Unlock()

	logCtx := logging.WithAttrs(ctx,
		slog.String("component", "infrastructure.graph"),
		slog.String("migration_id", id),
		slog.String("proposal_id", job.ProposalID),
	)
	go r.execute(runCtx, logCtx, entry, job)
	return id, nil
}

func (r *MigrationRunner) execute(ctx context.Context, logCtx context.Context, entry *migrationJob, job ports.MigrationJob) {
	defer close(entry.done)
	defer entry.cancel()

	for i, script := range job.Scripts {
		if strings.TrimSpace(script) == "" {
			continue
		}
		summary, err := r.client.run(ctx, r.client.Database, script, map[string]any{
			"proposal_id":    job.ProposalID,
			"target_version": job.TargetVersion,
		})
		if err != nil {
			r.finish(entry, func(s *ports.MigrationState) {
				if ctx.Err() != nil {
					s.Status = ports.MigrationCancelled
					return
				}
				s.Status = ports.MigrationFailed
				s.Error = fmt.Sprintf("script %d: %v", i+1, err)
			})
			logging.Warn(logCtx, "migration stopped", slog.Int("script", i+1), slog.Any("err", errs.Loggable(err)))
			return
		}
		counters := summary.Counters()
		written := int64(counters.NodesCreated() + counters.PropertiesSet() + counters.RelationshipsCreated() + counters.LabelsAdded())
		r.finish(entry, func(s *ports.MigrationState) { s.RowsWritten += written })
	}

	r.finish(entry, func(s *ports.MigrationState) { s.Status = ports.MigrationSucceeded })
	logging.Info(logCtx, "migration finished", slog.Int("scripts", len(job.Scripts)))
}

func (r *MigrationRunner) finish(entry *migrationJob, update func(*ports.MigrationState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	update(&entry.state)
}

func (r *MigrationRunner) Status(ctx context.Context, jobID string) (ports.MigrationState, error) {
	if ctx == nil {
		return ports.MigrationState{}, errors.New("context is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.jobs[jobID]
	if !ok {
		return ports.MigrationState{}, fmt.Errorf("migration %s not found", jobID)
	}
	return entry.state, nil
}

// Cancel stops a running job and waits for its current script to return.
func (r *MigrationRunner) Cancel(ctx context.Context, jobID string) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	r.mu.Lock()
	entry, ok := r.jobs[jobID]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("migration %s not found", jobID)
	}
	entry.cancel()
	select {
	case <-entry.done:
		return nil
	case <-ctx.Done():
		return errs.Wrap(ctx.Err(), "wait migration cancel")
	}
}
