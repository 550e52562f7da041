package pipeline

import (
	"context"
	"errors"
	"strings"

	domain "schemapilot/internal/domain/pipeline"
	"schemapilot/internal/ports"
	"schemapilot/internal/usecase/approval"
)

type Detail struct {
	Proposal       domain.Proposal
	State          domain.State
	Reason         string
	RiskScore      *float64
	RiskLevel      string
	EnteredStateAt string
	Report         *domain.ImpactReport
	Policy         *domain.Policy
	Decisions      []domain.Decision
	MissingRoles   []string
	Deployment     *ports.DeploymentRecord
	Samples        []ports.HealthSampleRecord
	Feedback       *ports.FeedbackReportRecord
	History        []ports.TransitionRecord
}

type ListFilter struct {
	States        []string
	TargetVersion string
	Limit         int
}

// GetState returns the lifecycle of a proposal with everything recorded
// against it so far.
func (s *Service) GetState(ctx context.Context, proposalID string) (Detail, error) {
	if err := s.checkContext(ctx); err != nil {
		return Detail{}, err
	}
	proposalID = strings.TrimSpace(proposalID)

	lifecycle, err := s.lifecycle(ctx, proposalID)
	if err != nil {
		return Detail{}, err
	}
	proposal, err := s.proposal(ctx, proposalID)
	if err != nil {
		return Detail{}, err
	}

	detail := Detail{
		Proposal:       proposal,
		State:          domain.State(lifecycle.State),
		Reason:         lifecycle.Reason,
		RiskScore:      lifecycle.RiskScore,
		RiskLevel:      lifecycle.RiskLevel,
		EnteredStateAt: lifecycle.EnteredStateAt,
	}

	if lifecycle.ReportID != nil {
		record, err := s.deps.Repo.GetImpactReport(ctx, *lifecycle.ReportID)
		if err != nil {
			return Detail{}, err
		}
		report, err := reportFromRecord(record)
		if err != nil {
			return Detail{}, err
		}
		detail.Report = &report
	}

	decisions, err := s.decisions(ctx, proposalID)
	if err != nil {
		return Detail{}, err
	}
	detail.Decisions = decisions
	if detail.Report != nil && s.deps.Router != nil {
		if policy, ok := s.deps.Router.PolicyFor(domain.RiskLevel(lifecycle.RiskLevel)); ok {
			detail.Policy = &policy
			if detail.State == domain.StatePendingApproval {
				detail.MissingRoles = approval.MissingRoles(policy, decisions)
			}
		}
	}

	dep, err := s.deps.Repo.GetLatestDeployment(ctx, proposalID)
	switch {
	case err == nil:
		detail.Deployment = &dep
		samples, err := s.deps.Repo.ListHealthSamples(ctx, dep.DeploymentID)
		if err != nil {
			return Detail{}, err
		}
		detail.Samples = samples
	case !errors.Is(err, ports.ErrRecordNotFound):
		return Detail{}, err
	}

	fb, err := s.deps.Repo.GetFeedbackReport(ctx, proposalID)
	switch {
	case err == nil:
		detail.Feedback = &fb
	case !errors.Is(err, ports.ErrRecordNotFound):
		return Detail{}, err
	}

	history, err := s.deps.Repo.ListTransitions(ctx, proposalID)
	if err != nil {
		return Detail{}, err
	}
	detail.History = history
	return detail, nil
}

func (s *Service) List(ctx context.Context, filter ListFilter) ([]ports.LifecycleRecord, error) {
	if err := s.checkContext(ctx); err != nil {
		return nil, err
	}
	states := make([]string, 0, len(filter.States))
	for _, raw := range filter.States {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		state, err := domain.ParseState(raw)
		if err != nil {
			return nil, err
		}
		states = append(states, string(state))
	}
	return s.deps.Repo.ListLifecycles(ctx, ports.LifecycleFilter{
		States:        states,
		TargetVersion: filter.TargetVersion,
		Limit:         filter.Limit,
	})
}

func (s *Service) decisions(ctx context.Context, proposalID string) ([]domain.Decision, error) {
	records, err := s.deps.Repo.ListApprovalDecisions(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Decision, 0, len(records))
	for _, record := range records {
		out = append(out, decisionFromRecord(record))
	}
	return out, nil
}
