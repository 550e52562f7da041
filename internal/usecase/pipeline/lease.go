package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"schemapilot/internal/bootstrap/logging"
	domain "schemapilot/internal/domain/pipeline"
	"schemapilot/internal/errs"
	"schemapilot/internal/ports"
)

const runnerLeaseKey = "lease:pipeline-runner"

// holdLease claims or renews the runner lease. The first successful claim
// starts a heartbeat that keeps the lease alive while deployments run
// between ticks, until ReleaseLease.
func (s *Service) holdLease(ctx context.Context) error {
	ok, err := s.claimLease(ctx)
	if err != nil {
		return err
	}
	if !ok {
		s.leaseMu.Lock()
		s.leaseHeld = false
		s.leaseMu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrRunnerBusy, runnerLeaseKey)
	}

	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()
	s.leaseHeld = true
	if s.stopHeartbeat == nil {
		hbCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		done := make(chan struct{})
		s.stopHeartbeat = cancel
		s.heartbeatDone = done
		go s.heartbeat(hbCtx, done)
	}
	return nil
}

func (s *Service) claimLease(ctx context.Context) (bool, error) {
	now := s.now()
	ok, err := s.deps.Repo.AcquireLease(ctx, ports.LeaseClaim{
		Key:       runnerLeaseKey,
		Owner:     s.owner,
		Now:       ports.FormatTime(now),
		ExpiresAt: ports.FormatTime(now.Add(s.cfg.LeaseTTL)),
	})
	if err != nil {
		return false, errs.Wrap(err, "claim runner lease")
	}
	return ok, nil
}

func (s *Service) heartbeat(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	logCtx := logging.WithAttrs(ctx,
		slog.String("component", "usecase.pipeline"),
		slog.String("owner", s.owner),
	)
	ticker := time.NewTicker(s.cfg.LeaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		ok, err := s.claimLease(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logging.Warn(logCtx, "runner lease renewal failed", slog.Any("err", errs.Loggable(err)))
			}
			continue
		}
		s.leaseMu.Lock()
		lost := s.leaseHeld && !ok
		s.leaseHeld = ok
		s.leaseMu.Unlock()
		if lost {
			logging.Error(logCtx, "runner lease lost to another runner",
				slog.Int("active_deployments", s.ActiveDeployments()),
			)
		}
	}
}

// ReleaseLease stops the heartbeat and drops the runner lease so another
// runner can take over without waiting for it to expire. Call it after Wait.
func (s *Service) ReleaseLease(ctx context.Context) error {
	if err := s.checkContext(ctx); err != nil {
		return err
	}
	s.leaseMu.Lock()
	stop, done := s.stopHeartbeat, s.heartbeatDone
	s.stopHeartbeat, s.heartbeatDone = nil, nil
	s.leaseMu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	s.leaseMu.Lock()
	held := s.leaseHeld
	s.leaseHeld = false
	s.leaseMu.Unlock()
	if !held {
		return nil
	}
	if err := s.deps.Repo.ReleaseLease(ctx, runnerLeaseKey, s.owner); err != nil {
		return errs.Wrap(err, "release runner lease")
	}
	return nil
}

// HoldsLease reports whether this service is the current pipeline runner.
func (s *Service) HoldsLease() bool {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()
	return s.leaseHeld
}
