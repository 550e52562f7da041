package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"schemapilot/internal/bootstrap/logging"
	domain "schemapilot/internal/domain/pipeline"
	"schemapilot/internal/errs"
	"schemapilot/internal/observability"
	"schemapilot/internal/ports"
	"schemapilot/internal/usecase/approval"
	"schemapilot/internal/usecase/deployment"
	"schemapilot/internal/usecase/feedback"
	"schemapilot/internal/usecase/impact"
	"schemapilot/internal/usecase/replay"
	"schemapilot/internal/usecase/sandbox"
)

const (
	actorPipeline = "pipeline"
	actorRouter   = "approval-router"

	EventApprovalRequested = "approval.requested"
	EventIncidentRollback  = "incident.rolled_back"
)

type Config struct {
	MaxConcurrentSimulations int
	ApprovalTimeout          time.Duration
	SnapshotRef              string
	TopN                     int
	RandomN                  int
	Seed                     uint64
	NotificationBatch        int
	NotifyInitialBackoff     time.Duration
	NotifyMaxBackoff         time.Duration
	// LeaseTTL bounds how long a runner that stopped heartbeating keeps
	// other runners out.
	LeaseTTL time.Duration
	// SeedWeights is written as weights version 1 when none exist.
	SeedWeights domain.Weights
}

// Deps are the collaborators of the pipeline service. Notifier may be nil,
// in which case the outbox is left for another dispatcher.
type Deps struct {
	Repo      ports.PipelineRepository
	UoW       ports.UnitOfWork
	Traffic   ports.TrafficSource
	Sandboxes *sandbox.Manager
	Replayer  *replay.Engine
	Analyzer  *impact.Analyzer
	Router    *approval.Router
	Deployer  *deployment.Orchestrator
	Collector *feedback.Collector
	Notifier  ports.Notifier
	Metrics   *observability.Metrics
}

// Service is the single authority for lifecycle transitions and the
// per-version deployment slot. Across processes, only the holder of the
// runner lease ticks.
type Service struct {
	deps  Deps
	cfg   Config
	now   func() time.Time
	owner string

	// mu serializes every check-and-transition.
	mu sync.Mutex
	// tickMu serializes RunOnce.
	tickMu sync.Mutex

	activeMu sync.Mutex
	active   map[string]chan string
	wg       sync.WaitGroup

	leaseMu       sync.Mutex
	leaseHeld     bool
	stopHeartbeat context.CancelFunc
	heartbeatDone chan struct{}

	recoverOnce sync.Once
}

func NewService(cfg Config, deps Deps) *Service {
	if cfg.MaxConcurrentSimulations <= 0 {
		cfg.MaxConcurrentSimulations = 1
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = 48 * time.Hour
	}
	if cfg.NotificationBatch <= 0 {
		cfg.NotificationBatch = 50
	}
	if cfg.NotifyInitialBackoff <= 0 {
		cfg.NotifyInitialBackoff = 5 * time.Second
	}
	if cfg.NotifyMaxBackoff <= 0 {
		cfg.NotifyMaxBackoff = 10 * time.Minute
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if cfg.SeedWeights.Sum() <= 0 {
		cfg.SeedWeights = domain.DefaultWeights()
	}
	return &Service{
		deps:   deps,
		cfg:    cfg,
		now:    time.Now,
		owner:  uuid.NewString(),
		active: make(map[string]chan string),
	}
}

func (s *Service) checkContext(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if err := ctx.Err(); err != nil {
		return errs.Wrap(err, "check context")
	}
	if s.deps.Repo == nil {
		return errors.New("pipeline repository is required")
	}
	if s.deps.UoW == nil {
		return errors.New("unit of work is required")
	}
	return nil
}

// transition is one edge of a lifecycle. Event, when set, is enqueued in
// the same transaction.
type transition struct {
	proposalID string
	from       domain.State
	to         domain.State
	reason     string
	actor      string
	riskScore  *float64
	riskLevel  string
	reportID   *uint64
}

// applyTransition validates and writes one edge. It must run inside a unit
// of work with s.mu held.
func (s *Service) applyTransition(txCtx context.Context, t transition) error {
	if err := domain.ValidateTransition(t.from, t.to, t.reason); err != nil {
		return err
	}
	actor := strings.TrimSpace(t.actor)
	if actor == "" {
		actor = actorPipeline
	}
	if err := s.deps.Repo.TransitionLifecycle(txCtx, ports.LifecycleTransition{
		ProposalID: t.proposalID,
		From:       string(t.from),
		To:         string(t.to),
		Reason:     t.reason,
		Actor:      actor,
		At:         ports.FormatTime(s.now()),
		RiskScore:  t.riskScore,
		RiskLevel:  t.riskLevel,
		ReportID:   t.reportID,
	}); err != nil {
		if errors.Is(err, ports.ErrStaleState) {
			return fmt.Errorf("%w: %v", domain.ErrInvalidTransition, err)
		}
		return err
	}
	return nil
}

// commit runs fn in a transaction under the service mutex and records the
// metrics of the transitions it applied once the transaction commits.
func (s *Service) commit(ctx context.Context, fn func(txCtx context.Context, apply func(transition) error) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var applied []transition
	err := s.deps.UoW.WithTx(ctx, func(txCtx context.Context) error {
		applied = applied[:0]
		return fn(txCtx, func(t transition) error {
			if err := s.applyTransition(txCtx, t); err != nil {
				return err
			}
			applied = append(applied, t)
			return nil
		})
	})
	if err != nil {
		return err
	}

	logCtx := logging.WithAttrs(ctx, slog.String("component", "usecase.pipeline"))
	for _, t := range applied {
		s.deps.Metrics.ObserveTransition(string(t.from), string(t.to))
		attrs := []slog.Attr{
			slog.String("proposal_id", t.proposalID),
			slog.String("from", string(t.from)),
			slog.String("to", string(t.to)),
		}
		if t.reason != "" {
			attrs = append(attrs, slog.String("reason", t.reason))
		}
		logging.Info(logCtx, "lifecycle transition", attrs...)
	}
	return nil
}

// transitionOne is commit for a single edge.
func (s *Service) transitionOne(ctx context.Context, t transition) error {
	return s.commit(ctx, func(_ context.Context, apply func(transition) error) error {
		return apply(t)
	})
}

// enqueueEvent writes a notification to the outbox inside the caller's transaction.
func (s *Service) enqueueEvent(txCtx context.Context, kind string, proposalID string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errs.Wrap(err, "encode notification payload")
	}
	now := ports.FormatTime(s.now())
	return s.deps.Repo.EnqueueNotification(txCtx, ports.NotificationRecord{
		EventID:     uuid.NewString(),
		Kind:        kind,
		ProposalID:  proposalID,
		PayloadJSON: string(raw),
		CreatedAt:   now,
	})
}

// Wait blocks until every deployment started by this service has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// ActiveDeployments is the number of deployments supervised by this process.
func (s *Service) ActiveDeployments() int {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	return len(s.active)
}
