package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"schemapilot/internal/bootstrap/logging"
	domain "schemapilot/internal/domain/pipeline"
	"schemapilot/internal/ports"
	"schemapilot/internal/usecase/approval"
)

type DecisionInput struct {
	Reviewer string
	Role     string
	Verdict  string
	Comment  string
}

type DecisionResult struct {
	Approval     domain.ApprovalState
	State        domain.State
	MissingRoles []string
}

// RecordDecision stores one reviewer's verdict and evaluates the policy at
// once. A repeated decision by the same reviewer replaces the earlier one.
func (s *Service) RecordDecision(ctx context.Context, proposalID string, input DecisionInput) (DecisionResult, error) {
	if err := s.checkContext(ctx); err != nil {
		return DecisionResult{}, err
	}
	if s.deps.Router == nil {
		return DecisionResult{}, errors.New("approval router is required")
	}
	proposalID = strings.TrimSpace(proposalID)
	reviewer := strings.TrimSpace(input.Reviewer)
	if reviewer == "" {
		return DecisionResult{}, fmt.Errorf("%w: reviewer is required", domain.ErrInvalidTransition)
	}
	verdict, err := domain.ParseDecisionVerdict(input.Verdict)
	if err != nil {
		return DecisionResult{}, err
	}

	var result DecisionResult
	err = s.commit(ctx, func(txCtx context.Context, apply func(transition) error) error {
		lifecycle, err := s.lifecycle(txCtx, proposalID)
		if err != nil {
			return err
		}
		state := domain.State(lifecycle.State)
		switch state {
		case domain.StatePendingApproval:
		case domain.StateProposed, domain.StateSimulating, domain.StateSimulated, domain.StateSimulationFailed:
			return fmt.Errorf("%w: proposal %s is %s and not awaiting approval", domain.ErrInvalidTransition, proposalID, state)
		default:
			return fmt.Errorf("%w: proposal %s is %s", domain.ErrApprovalClosed, proposalID, state)
		}

		policy, ok := s.deps.Router.PolicyFor(domain.RiskLevel(lifecycle.RiskLevel))
		if !ok {
			return fmt.Errorf("no approval policy for risk level %q", lifecycle.RiskLevel)
		}

		if err := s.deps.Repo.UpsertApprovalDecision(txCtx, ports.ApprovalDecisionRecord{
			ProposalID: proposalID,
			Reviewer:   reviewer,
			Role:       strings.TrimSpace(input.Role),
			Verdict:    string(verdict),
			Comment:    strings.TrimSpace(input.Comment),
			DecidedAt:  ports.FormatTime(s.now()),
		}); err != nil {
			return err
		}
		decisions, err := s.decisions(txCtx, proposalID)
		if err != nil {
			return err
		}

		result.Approval = approval.Evaluate(policy, decisions)
		result.State = state
		switch result.Approval {
		case domain.ApprovalGranted:
			result.State = domain.StateApproved
			return apply(transition{
				proposalID: proposalID,
				from:       domain.StatePendingApproval,
				to:         domain.StateApproved,
				actor:      reviewer,
			})
		case domain.ApprovalRejected:
			result.State = domain.StateRejected
			return apply(transition{
				proposalID: proposalID,
				from:       domain.StatePendingApproval,
				to:         domain.StateRejected,
				reason:     rejectionReason(decisions),
				actor:      reviewer,
			})
		default:
			result.MissingRoles = approval.MissingRoles(policy, decisions)
			return nil
		}
	})
	if err != nil {
		return DecisionResult{}, err
	}

	logging.Info(
		logging.WithAttrs(ctx, slog.String("component", "usecase.pipeline")),
		"approval decision recorded",
		slog.String("proposal_id", proposalID),
		slog.String("reviewer", reviewer),
		slog.String("verdict", string(verdict)),
		slog.String("approval", string(result.Approval)),
	)
	return result, nil
}

func rejectionReason(decisions []domain.Decision) string {
	for _, d := range decisions {
		if d.Verdict != domain.DecisionReject {
			continue
		}
		reason := "rejected by " + d.Reviewer
		if d.Comment != "" {
			reason += ": " + d.Comment
		}
		return reason
	}
	return "rejected"
}

type AbortInput struct {
	Actor  string
	Reason string
}

// Abort cancels an approved proposal or stops an active rollout. An
// approved proposal is withdrawn to rejected. For deploying and monitoring
// proposals an abort request is stored and the deployment is signalled.
func (s *Service) Abort(ctx context.Context, proposalID string, input AbortInput) (domain.State, error) {
	if err := s.checkContext(ctx); err != nil {
		return "", err
	}
	proposalID = strings.TrimSpace(proposalID)
	actor := strings.TrimSpace(input.Actor)
	if actor == "" {
		actor = "operator"
	}
	reason := strings.TrimSpace(input.Reason)

	var state domain.State
	err := s.commit(ctx, func(txCtx context.Context, apply func(transition) error) error {
		lifecycle, err := s.lifecycle(txCtx, proposalID)
		if err != nil {
			return err
		}
		state = domain.State(lifecycle.State)
		switch state {
		case domain.StateApproved:
			withdrawn := "withdrawn by " + actor
			if reason != "" {
				withdrawn += ": " + reason
			}
			state = domain.StateRejected
			return apply(transition{
				proposalID: proposalID,
				from:       domain.StateApproved,
				to:         domain.StateRejected,
				reason:     withdrawn,
				actor:      actor,
			})
		case domain.StateDeploying, domain.StateMonitoring:
			_, err := s.deps.Repo.CreateAbortRequest(txCtx, ports.AbortRequestRecord{
				ProposalID:  proposalID,
				Actor:       actor,
				Reason:      reason,
				RequestedAt: ports.FormatTime(s.now()),
			})
			return err
		default:
			return fmt.Errorf("%w: proposal %s is %s and has nothing to abort", domain.ErrInvalidTransition, proposalID, state)
		}
	})
	if err != nil {
		return "", err
	}

	if state == domain.StateDeploying {
		s.signalAbort(proposalID, reason)
	}
	logging.Info(
		logging.WithAttrs(ctx, slog.String("component", "usecase.pipeline")),
		"abort requested",
		slog.String("proposal_id", proposalID),
		slog.String("actor", actor),
		slog.String("state", string(state)),
	)
	return state, nil
}

// signalAbort wakes a deployment supervised by this process. Deployments
// run by another process find the stored request on their next sample.
func (s *Service) signalAbort(proposalID string, reason string) {
	s.activeMu.Lock()
	ch, ok := s.active[proposalID]
	s.activeMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- reason:
	default:
	}
}
