package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"schemapilot/internal/bootstrap/logging"
	"schemapilot/internal/domain/pipeline"
	"schemapilot/internal/errs"
	"schemapilot/internal/observability"
	"schemapilot/internal/ports"
)

const releaseTimeout = 2 * time.Minute

var errPoolExhausted = errors.New("sandbox pool exhausted")

type Config struct {
	PoolSize       int
	AcquireTimeout time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Manager leases sandboxes from a fixed-size pool. Every handle returned by
// Acquire holds one slot until Release.
type Manager struct {
	provisioner ports.SandboxProvisioner
	cfg         Config
	slots       chan struct{}
	metrics     *observability.Metrics

	mu     sync.Mutex
	leased map[string]time.Time
}

func NewManager(provisioner ports.SandboxProvisioner, cfg Config, metrics *observability.Metrics) *Manager {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 60 * time.Second
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	return &Manager{
		provisioner: provisioner,
		cfg:         cfg,
		slots:       make(chan struct{}, cfg.PoolSize),
		metrics:     metrics,
		leased:      make(map[string]time.Time),
	}
}

// Acquire waits for a free slot and provisions a sandbox from snapshotRef.
// Slot waits and provisioning failures are retried with exponential backoff;
// once the attempts are spent the error wraps pipeline.ErrSandboxProvision.
func (m *Manager) Acquire(ctx context.Context, snapshotRef string) (ports.SandboxHandle, error) {
	if ctx == nil {
		return ports.SandboxHandle{}, errors.New("context is required")
	}
	if err := ctx.Err(); err != nil {
		return ports.SandboxHandle{}, errs.Wrap(err, "check context")
	}
	if m.provisioner == nil {
		return ports.SandboxHandle{}, errors.New("sandbox provisioner is required")
	}

	logCtx := logging.WithAttrs(ctx, slog.String("component", "usecase.sandbox"))
	started := time.Now()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.cfg.InitialBackoff
	policy.MaxInterval = m.cfg.MaxBackoff

	attempt := 0
	handle, err := backoff.Retry(ctx, func() (ports.SandboxHandle, error) {
		attempt++
		return m.acquireOnce(ctx, snapshotRef)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(m.cfg.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			logging.Warn(logCtx, "sandbox acquire failed, retrying",
				slog.Int("attempt", attempt),
				slog.Duration("wait", wait),
				slog.Any("err", errs.Loggable(err)),
			)
		}),
	)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ports.SandboxHandle{}, errs.Wrap(ctxErr, "acquire sandbox")
		}
		return ports.SandboxHandle{}, fmt.Errorf("%w after %d attempts: %w", pipeline.ErrSandboxProvision, attempt, err)
	}

	m.metrics.SandboxAcquired(time.Since(started).Seconds())
	logging.Info(logCtx, "sandbox acquired",
		slog.String("sandbox_id", handle.ID),
		slog.String("database", handle.Database),
		slog.Int("attempts", attempt),
	)
	return handle, nil
}

func (m *Manager) acquireOnce(ctx context.Context, snapshotRef string) (ports.SandboxHandle, error) {
	wait := time.NewTimer(m.cfg.AcquireTimeout)
	defer wait.Stop()

	select {
	case m.slots <- struct{}{}:
	case <-wait.C:
		return ports.SandboxHandle{}, fmt.Errorf("%w: no slot within %s", errPoolExhausted, m.cfg.AcquireTimeout)
	case <-ctx.Done():
		return ports.SandboxHandle{}, backoff.Permanent(ctx.Err())
	}

	handle, err := m.provisioner.Provision(ctx, snapshotRef)
	if err != nil {
		<-m.slots
		if ctx.Err() != nil {
			return ports.SandboxHandle{}, backoff.Permanent(ctx.Err())
		}
		return ports.SandboxHandle{}, errs.Wrap(err, "provision sandbox")
	}

	m.mu.Lock()
	m.leased[handle.ID] = time.Now()
	m.mu.Unlock()
	return handle, nil
}

// Apply runs the structural statements of the proposal inside the sandbox.
func (m *Manager) Apply(ctx context.Context, handle ports.SandboxHandle, proposal pipeline.Proposal) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if !m.isLeased(handle.ID) {
		return fmt.Errorf("sandbox %q is not leased", handle.ID)
	}
	if err := m.provisioner.Apply(ctx, handle, proposal.Payload.Statements); err != nil {
		return errs.Wrapf(err, "apply proposal %s in sandbox", proposal.ID)
	}
	return nil
}

// Release tears the sandbox down and frees its slot. Teardown runs on a
// context detached from ctx so a cancelled caller still cleans up.
// Releasing an unknown or already released handle is a no-op.
func (m *Manager) Release(ctx context.Context, handle ports.SandboxHandle) error {
	if ctx == nil {
		ctx = context.Background()
	}

	m.mu.Lock()
	_, ok := m.leased[handle.ID]
	delete(m.leased, handle.ID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	defer func() {
		<-m.slots
		m.metrics.SandboxReleased()
	}()

	teardownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	logCtx := logging.WithAttrs(ctx, slog.String("component", "usecase.sandbox"), slog.String("sandbox_id", handle.ID))
	if err := m.provisioner.Teardown(teardownCtx, handle); err != nil {
		logging.Error(logCtx, "sandbox teardown failed", slog.Any("err", errs.Loggable(err)))
		return errs.Wrap(err, "teardown sandbox")
	}
	logging.Info(logCtx, "sandbox released")
	return nil
}

// InUse reports the number of leased slots.
func (m *Manager) InUse() int {
	return len(m.slots)
}

func (m *Manager) isLeased(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.leased[id]
	return ok
}
