package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"schemapilot/internal/bootstrap/logging"
	domain "schemapilot/internal/domain/pipeline"
	"schemapilot/internal/errs"
	"schemapilot/internal/ports"
	"schemapilot/internal/usecase/deployment"
)

type incident struct {
	ProposalID        string `json:"proposal_id"`
	TargetVersion     string `json:"target_version"`
	DeploymentID      uint64 `json:"deployment_id,omitempty"`
	Outcome           string `json:"outcome"`
	Reason            string `json:"reason"`
	Stage             int    `json:"stage"`
	TrafficRevertedAt string `json:"traffic_reverted_at,omitempty"`
	SchemaRevertedAt  string `json:"schema_reverted_at,omitempty"`
}

// scheduleDeployments moves approved proposals into deploying when their
// version's slot is free and starts a supervised rollout for each.
func (s *Service) scheduleDeployments(ctx context.Context, report *TickReport) error {
	approved, err := s.deps.Repo.ListLifecycles(ctx, ports.LifecycleFilter{States: []string{string(domain.StateApproved)}})
	if err != nil {
		return err
	}
	if len(approved) == 0 {
		return nil
	}
	if s.deps.Deployer == nil {
		return errors.New("deployment orchestrator is required")
	}
	logCtx := logging.WithAttrs(ctx, slog.String("component", "usecase.pipeline"))

	for _, lc := range approved {
		proposal, err := s.proposal(ctx, lc.ProposalID)
		if err != nil {
			return err
		}

		err = s.commit(ctx, func(txCtx context.Context, apply func(transition) error) error {
			holders, err := s.deps.Repo.CountSlotHolders(txCtx, lc.TargetVersion)
			if err != nil {
				return err
			}
			if holders > 0 {
				return fmt.Errorf("%w: version %s", domain.ErrConcurrentDeployment, lc.TargetVersion)
			}
			return apply(transition{
				proposalID: lc.ProposalID,
				from:       domain.StateApproved,
				to:         domain.StateDeploying,
			})
		})
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrConcurrentDeployment):
			report.DeploysDeferred++
			logging.Info(logCtx, "deployment deferred, slot busy",
				slog.String("proposal_id", lc.ProposalID),
				slog.String("target_version", lc.TargetVersion),
			)
			continue
		case errors.Is(err, domain.ErrInvalidTransition):
			continue
		default:
			return err
		}

		s.startDeployment(ctx, proposal)
		report.DeploysStarted++
	}
	return nil
}

func (s *Service) startDeployment(ctx context.Context, proposal domain.Proposal) {
	abort := make(chan string, 1)
	s.activeMu.Lock()
	s.active[proposal.ID] = abort
	s.activeMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.activeMu.Lock()
			delete(s.active, proposal.ID)
			s.activeMu.Unlock()
		}()
		s.superviseDeployment(ctx, proposal, abort)
	}()
}

// superviseDeployment runs one rollout to completion and settles the
// lifecycle. A persistence failure mid-rollout is recovered by reverting.
func (s *Service) superviseDeployment(ctx context.Context, proposal domain.Proposal, abort <-chan string) {
	logCtx := logging.WithAttrs(ctx,
		slog.String("component", "usecase.pipeline"),
		slog.String("proposal_id", proposal.ID),
	)
	settleCtx := context.WithoutCancel(ctx)

	result, err := s.deps.Deployer.Run(ctx, deployment.Input{Proposal: proposal, Attempt: 1, Abort: abort})
	if err != nil {
		logging.Error(logCtx, "deployment failed", slog.Any("err", errs.Loggable(err)))
		dep, lookupErr := s.deps.Repo.GetLatestDeployment(settleCtx, proposal.ID)
		if lookupErr != nil && !errors.Is(lookupErr, ports.ErrRecordNotFound) {
			logging.Error(logCtx, "load deployment for recovery failed", slog.Any("err", errs.Loggable(lookupErr)))
			return
		}
		result, err = s.deps.Deployer.Recover(settleCtx, proposal, dep, "deployment failed: "+err.Error())
		if err != nil {
			logging.Error(logCtx, "deployment recovery failed; left for restart recovery", slog.Any("err", errs.Loggable(err)))
			return
		}
	}

	if err := s.finishDeployment(settleCtx, proposal, result); err != nil {
		logging.Error(logCtx, "settle deployment lifecycle failed", slog.Any("err", errs.Loggable(err)))
	}
}

// finishDeployment moves a deploying lifecycle to monitoring on success and
// to rolled_back otherwise, raising an incident for the latter.
func (s *Service) finishDeployment(ctx context.Context, proposal domain.Proposal, result deployment.Result) error {
	if result.Outcome == domain.OutcomeSucceeded {
		return s.transitionOne(ctx, transition{
			proposalID: proposal.ID,
			from:       domain.StateDeploying,
			to:         domain.StateMonitoring,
		})
	}

	reason := result.Reason
	if reason == "" {
		reason = "deployment " + string(result.Outcome)
	}
	return s.rollBack(ctx, proposal, domain.StateDeploying, result, reason)
}

// rollBack writes the rolled_back transition and its incident together and
// settles any abort request left for the proposal.
func (s *Service) rollBack(ctx context.Context, proposal domain.Proposal, from domain.State, result deployment.Result, reason string) error {
	return s.commit(ctx, func(txCtx context.Context, apply func(transition) error) error {
		if err := apply(transition{
			proposalID: proposal.ID,
			from:       from,
			to:         domain.StateRolledBack,
			reason:     reason,
		}); err != nil {
			return err
		}
		if err := s.settleAborts(txCtx, proposal.ID); err != nil {
			return err
		}
		return s.enqueueEvent(txCtx, EventIncidentRollback, proposal.ID, incident{
			ProposalID:        proposal.ID,
			TargetVersion:     proposal.TargetVersion,
			DeploymentID:      result.Deployment.DeploymentID,
			Outcome:           string(result.Outcome),
			Reason:            reason,
			Stage:             result.Deployment.Stage,
			TrafficRevertedAt: result.Deployment.TrafficRevertedAt,
			SchemaRevertedAt:  result.Deployment.SchemaRevertedAt,
		})
	})
}

func (s *Service) settleAborts(txCtx context.Context, proposalID string) error {
	for {
		request, err := s.deps.Repo.GetPendingAbort(txCtx, proposalID)
		if errors.Is(err, ports.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := s.deps.Repo.MarkAbortHandled(txCtx, request.AbortID, ports.FormatTime(s.now())); err != nil {
			return err
		}
	}
}

// handleMonitoringAborts reverts monitoring proposals with a pending abort.
func (s *Service) handleMonitoringAborts(ctx context.Context, report *TickReport) error {
	monitoring, err := s.deps.Repo.ListLifecycles(ctx, ports.LifecycleFilter{States: []string{string(domain.StateMonitoring)}})
	if err != nil {
		return err
	}
	for _, lc := range monitoring {
		request, err := s.deps.Repo.GetPendingAbort(ctx, lc.ProposalID)
		if errors.Is(err, ports.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if s.deps.Deployer == nil {
			return errors.New("deployment orchestrator is required")
		}
		proposal, err := s.proposal(ctx, lc.ProposalID)
		if err != nil {
			return err
		}
		dep, err := s.deps.Repo.GetLatestDeployment(ctx, lc.ProposalID)
		if err != nil {
			return err
		}

		reason := "aborted by " + request.Actor
		if request.Reason != "" {
			reason += ": " + request.Reason
		}
		result, err := s.deps.Deployer.Revert(ctx, proposal, dep, reason)
		if err != nil {
			return errs.Wrapf(err, "revert %s", lc.ProposalID)
		}
		if err := s.rollBack(ctx, proposal, domain.StateMonitoring, result, result.Reason); err != nil {
			return err
		}
		report.Reverted++
	}
	return nil
}
