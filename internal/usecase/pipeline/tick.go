package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"schemapilot/internal/bootstrap/logging"
	"schemapilot/internal/bootstrap/tracing"
	domain "schemapilot/internal/domain/pipeline"
	"schemapilot/internal/errs"
	"schemapilot/internal/ports"
)

// TickReport counts what one pass of the pipeline loop did.
type TickReport struct {
	Recovered           int
	Expired             int
	Simulated           int
	SimulationFailed    int
	DeploysStarted      int
	DeploysDeferred     int
	Reverted            int
	FeedbackCollected   int
	NotificationsSent   int
	NotificationsFailed int
}

// Run ticks the pipeline every interval until ctx is done, then waits for
// supervised deployments to finish.
func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	if err := s.checkContext(ctx); err != nil {
		return err
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	logCtx := logging.WithAttrs(ctx, slog.String("component", "usecase.pipeline"))
	logging.Info(logCtx, "pipeline loop started", slog.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		_, err := s.RunOnce(ctx)
		switch {
		case err == nil, ctx.Err() != nil:
		case errors.Is(err, domain.ErrRunnerBusy):
			logging.Info(logCtx, "waiting for runner lease")
		default:
			logging.Error(logCtx, "pipeline tick failed", slog.Any("err", errs.Loggable(err)))
		}
		select {
		case <-ctx.Done():
			logging.Info(logCtx, "pipeline loop stopping, waiting for deployments", slog.Int("active", s.ActiveDeployments()))
			s.Wait()
			if err := s.ReleaseLease(context.WithoutCancel(ctx)); err != nil {
				logging.Warn(logCtx, "release runner lease failed", slog.Any("err", errs.Loggable(err)))
			}
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce performs one pass: restart recovery (first pass only), approval
// expiry, simulations, deploy scheduling, monitoring aborts, feedback and
// notification dispatch. Deployments it starts keep running after it returns.
// It fails with ErrRunnerBusy while another runner holds the lease.
func (s *Service) RunOnce(ctx context.Context) (TickReport, error) {
	if err := s.checkContext(ctx); err != nil {
		return TickReport{}, err
	}
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	ctx, span := tracing.Start(ctx, "pipeline.tick")
	defer span.End()

	var report TickReport
	if err := s.holdLease(ctx); err != nil {
		return report, err
	}
	if _, err := s.ensureWeights(ctx); err != nil {
		return report, err
	}

	var recoverErr error
	s.recoverOnce.Do(func() {
		report.Recovered, recoverErr = s.recoverInterrupted(ctx)
	})
	if recoverErr != nil {
		return report, recoverErr
	}

	steps := []struct {
		name string
		fn   func(context.Context, *TickReport) error
	}{
		{"sweep simulations", s.sweepStaleSimulations},
		{"expire approvals", s.expireApprovals},
		{"simulate", s.simulatePending},
		{"schedule deployments", s.scheduleDeployments},
		{"monitoring aborts", s.handleMonitoringAborts},
		{"collect feedback", s.collectFeedback},
		{"dispatch notifications", s.dispatchNotifications},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return report, errs.Wrap(err, "check context")
		}
		if err := step.fn(ctx, &report); err != nil {
			return report, errs.Wrap(err, step.name)
		}
	}
	return report, nil
}

// recoverInterrupted rolls back deployments a previous runner left
// mid-flight. Holding the lease means that runner is gone. Monitoring is
// left to its feedback schedule.
func (s *Service) recoverInterrupted(ctx context.Context) (int, error) {
	logCtx := logging.WithAttrs(ctx, slog.String("component", "usecase.pipeline"))
	recovered := 0

	deploying, err := s.deps.Repo.ListLifecycles(ctx, ports.LifecycleFilter{States: []string{string(domain.StateDeploying)}})
	if err != nil {
		return recovered, err
	}
	for _, lc := range deploying {
		if s.isActive(lc.ProposalID) {
			continue
		}
		if s.deps.Deployer == nil {
			return recovered, errors.New("deployment orchestrator is required")
		}
		proposal, err := s.proposal(ctx, lc.ProposalID)
		if err != nil {
			return recovered, err
		}
		dep, err := s.deps.Repo.GetLatestDeployment(ctx, lc.ProposalID)
		if err != nil && !errors.Is(err, ports.ErrRecordNotFound) {
			return recovered, err
		}
		logging.Warn(logCtx, "recovering orphaned deployment",
			slog.String("proposal_id", lc.ProposalID),
			slog.Int("stage", dep.Stage),
		)
		result, err := s.deps.Deployer.Recover(ctx, proposal, dep, "interrupted")
		if err != nil {
			return recovered, errs.Wrapf(err, "recover deployment of %s", lc.ProposalID)
		}
		if err := s.finishDeployment(ctx, proposal, result); err != nil {
			return recovered, err
		}
		recovered++
	}

	if recovered > 0 {
		logging.Info(logCtx, "restart recovery completed", slog.Int("recovered", recovered))
	}
	return recovered, nil
}

// sweepStaleSimulations fails simulating lifecycles nobody is working on.
// Simulations finish within the tick that claimed them and ticks are
// serialized under the lease, so any left at the start of a tick belong to
// an interrupted runner or to a tick whose failure could not be recorded.
func (s *Service) sweepStaleSimulations(ctx context.Context, report *TickReport) error {
	stale, err := s.deps.Repo.ListLifecycles(ctx, ports.LifecycleFilter{States: []string{string(domain.StateSimulating)}})
	if err != nil {
		return err
	}
	for _, lc := range stale {
		err := s.transitionOne(ctx, transition{
			proposalID: lc.ProposalID,
			from:       domain.StateSimulating,
			to:         domain.StateSimulationFailed,
			reason:     "interrupted",
		})
		switch {
		case err == nil:
			report.Recovered++
		case errors.Is(err, domain.ErrInvalidTransition):
		default:
			return err
		}
	}
	return nil
}

// expireApprovals rejects proposals that waited longer than the approval timeout.
func (s *Service) expireApprovals(ctx context.Context, report *TickReport) error {
	cutoff := s.now().Add(-s.cfg.ApprovalTimeout)
	expired, err := s.deps.Repo.ListLifecycles(ctx, ports.LifecycleFilter{
		States:        []string{string(domain.StatePendingApproval)},
		EnteredBefore: ports.FormatTime(cutoff),
	})
	if err != nil {
		return err
	}
	for _, lc := range expired {
		err := s.transitionOne(ctx, transition{
			proposalID: lc.ProposalID,
			from:       domain.StatePendingApproval,
			to:         domain.StateRejected,
			reason:     domain.ErrApprovalTimeout.Error(),
		})
		switch {
		case err == nil:
			report.Expired++
		case errors.Is(err, domain.ErrInvalidTransition):
			// Decided concurrently.
		default:
			return err
		}
	}
	return nil
}

func (s *Service) isActive(proposalID string) bool {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	_, ok := s.active[proposalID]
	return ok
}
