package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"schemapilot/internal/bootstrap/logging"
	"schemapilot/internal/bootstrap/tracing"
	domain "schemapilot/internal/domain/pipeline"
	"schemapilot/internal/errs"
	"schemapilot/internal/ports"
	"schemapilot/internal/usecase/impact"
	"schemapilot/internal/usecase/replay"
)

// simulationRecordTries bounds attempts to record a failed simulation.
// Whatever is still simulating afterwards is swept on the next tick.
const simulationRecordTries = 4

type approvalRequest struct {
	ProposalID        string   `json:"proposal_id"`
	TargetVersion     string   `json:"target_version"`
	Kind              string   `json:"kind"`
	RiskScore         float64  `json:"risk_score"`
	RiskLevel         string   `json:"risk_level"`
	BreakingChanges   int      `json:"breaking_changes"`
	PerfDelta         float64  `json:"perf_delta"`
	QueriesSampled    int      `json:"queries_sampled"`
	RequiredApprovals int      `json:"required_approvals"`
	RequiredRoles     []string `json:"required_roles"`
	ReviewDeadline    string   `json:"review_deadline"`
	Rationale         string   `json:"rationale,omitempty"`
}

// simulatePending claims every proposed lifecycle and simulates them with
// bounded parallelism. The sandbox pool bounds them further.
func (s *Service) simulatePending(ctx context.Context, report *TickReport) error {
	proposed, err := s.deps.Repo.ListLifecycles(ctx, ports.LifecycleFilter{States: []string{string(domain.StateProposed)}})
	if err != nil {
		return err
	}
	if len(proposed) == 0 {
		return nil
	}
	if err := s.checkSimulationDeps(); err != nil {
		return err
	}

	claimed := make([]string, 0, len(proposed))
	for _, lc := range proposed {
		err := s.transitionOne(ctx, transition{
			proposalID: lc.ProposalID,
			from:       domain.StateProposed,
			to:         domain.StateSimulating,
		})
		switch {
		case err == nil:
			claimed = append(claimed, lc.ProposalID)
		case errors.Is(err, domain.ErrInvalidTransition):
		default:
			return err
		}
	}

	outcomes := make([]domain.State, len(claimed))
	var g errgroup.Group
	g.SetLimit(s.cfg.MaxConcurrentSimulations)
	for i, id := range claimed {
		g.Go(func() error {
			state, err := s.simulateOne(ctx, id)
			outcomes[i] = state
			return err
		})
	}
	err = g.Wait()
	for _, state := range outcomes {
		switch state {
		case domain.StateSimulationFailed:
			report.SimulationFailed++
		case "":
		default:
			report.Simulated++
		}
	}
	return err
}

// simulateOne runs one proposal through sandbox, replay and analysis and
// records the outcome. A report that cannot be stored fails the proposal.
// Only a failure to record that is returned.
func (s *Service) simulateOne(ctx context.Context, proposalID string) (domain.State, error) {
	ctx, span := tracing.Start(ctx, "pipeline.simulate", attribute.String("proposal_id", proposalID))
	defer span.End()
	logCtx := logging.WithAttrs(logging.WithSpan(ctx),
		slog.String("component", "usecase.pipeline"),
		slog.String("proposal_id", proposalID),
	)

	proposal, err := s.proposal(ctx, proposalID)
	if err != nil {
		return s.failSimulation(ctx, proposalID, err)
	}
	report, err := s.simulate(ctx, proposal)
	if err != nil {
		return s.failSimulation(ctx, proposalID, err)
	}

	state, err := s.completeSimulation(ctx, proposal, report)
	if err != nil {
		return s.failSimulation(ctx, proposalID, errs.Wrap(err, "record simulation"))
	}
	logging.Info(logCtx, "simulation completed",
		slog.Float64("risk_score", report.RiskScore),
		slog.String("risk_level", string(report.RiskLevel)),
		slog.String("verdict", string(report.Verdict)),
		slog.String("state", string(state)),
	)
	return state, nil
}

// simulate replays the sample against one sandbox before and after the
// change is applied, then scores the difference.
func (s *Service) simulate(ctx context.Context, proposal domain.Proposal) (domain.ImpactReport, error) {
	logCtx := logging.WithAttrs(ctx, slog.String("component", "usecase.pipeline"), slog.String("proposal_id", proposal.ID))

	sample, err := s.deps.Traffic.Sample(ctx, proposal.TargetVersion)
	if err != nil {
		return domain.ImpactReport{}, errs.Wrap(err, "sample traffic")
	}
	sample = replay.Bound(sample, s.cfg.TopN, s.cfg.RandomN, s.cfg.Seed)
	if len(sample) == 0 {
		return domain.ImpactReport{}, fmt.Errorf("no recorded traffic for version %s", proposal.TargetVersion)
	}

	weights, err := s.deps.Repo.GetLatestRiskWeights(ctx)
	if err != nil {
		return domain.ImpactReport{}, errs.Wrap(err, "load risk weights")
	}

	handle, err := s.deps.Sandboxes.Acquire(ctx, s.cfg.SnapshotRef)
	if err != nil {
		return domain.ImpactReport{}, err
	}
	defer func() {
		if err := s.deps.Sandboxes.Release(ctx, handle); err != nil {
			logging.Error(logCtx, "sandbox release failed", slog.String("sandbox", handle.ID), slog.Any("err", errs.Loggable(err)))
		}
	}()

	baseline, err := s.deps.Replayer.ReplayWithRetry(ctx, handle, sample, replay.SideBaseline)
	if err != nil {
		return domain.ImpactReport{}, errs.Wrap(err, "baseline replay")
	}
	if err := s.deps.Sandboxes.Apply(ctx, handle, proposal); err != nil {
		return domain.ImpactReport{}, fmt.Errorf("%w: sandbox apply: %v", domain.ErrSchemaCompilation, err)
	}
	proposed, err := s.deps.Replayer.ReplayWithRetry(ctx, handle, sample, replay.SideProposed)
	if err != nil {
		return domain.ImpactReport{}, errs.Wrap(err, "proposed replay")
	}

	return s.deps.Analyzer.Analyze(impact.Input{
		Proposal:       proposal,
		Baseline:       baseline,
		Proposed:       proposed,
		Weights:        weightsFromRecord(weights),
		WeightsVersion: weights.Version,
		Now:            s.now(),
	})
}

// completeSimulation stores the report and moves the lifecycle through
// simulated into pending_approval, and on to approved when the policy
// auto-approves, all in one transaction.
func (s *Service) completeSimulation(ctx context.Context, proposal domain.Proposal, report domain.ImpactReport) (domain.State, error) {
	policy := s.deps.Router.Route(report)
	state := domain.StatePendingApproval

	err := s.commit(ctx, func(txCtx context.Context, apply func(transition) error) error {
		record, err := reportToRecord(report)
		if err != nil {
			return err
		}
		stored, err := s.deps.Repo.CreateImpactReport(txCtx, record)
		if err != nil {
			return err
		}

		score := report.RiskScore
		reportID := stored.ReportID
		if err := apply(transition{
			proposalID: proposal.ID,
			from:       domain.StateSimulating,
			to:         domain.StateSimulated,
			riskScore:  &score,
			riskLevel:  string(report.RiskLevel),
			reportID:   &reportID,
		}); err != nil {
			return err
		}
		if err := apply(transition{
			proposalID: proposal.ID,
			from:       domain.StateSimulated,
			to:         domain.StatePendingApproval,
		}); err != nil {
			return err
		}

		if policy.AutoApprove {
			state = domain.StateApproved
			return apply(transition{
				proposalID: proposal.ID,
				from:       domain.StatePendingApproval,
				to:         domain.StateApproved,
				reason:     fmt.Sprintf("auto-approved at risk level %s", report.RiskLevel),
				actor:      actorRouter,
			})
		}

		return s.enqueueEvent(txCtx, EventApprovalRequested, proposal.ID, approvalRequest{
			ProposalID:        proposal.ID,
			TargetVersion:     proposal.TargetVersion,
			Kind:              string(proposal.Kind),
			RiskScore:         report.RiskScore,
			RiskLevel:         string(report.RiskLevel),
			BreakingChanges:   len(report.BreakingChanges),
			PerfDelta:         report.PerfDelta,
			QueriesSampled:    report.QueriesSampled,
			RequiredApprovals: policy.Required,
			RequiredRoles:     policy.RequiredRoles,
			ReviewDeadline:    ports.FormatTime(s.now().Add(s.cfg.ApprovalTimeout)),
			Rationale:         proposal.Provenance.Rationale,
		})
	})
	if err != nil {
		return "", err
	}
	return state, nil
}

// failSimulation moves the lifecycle to simulation_failed, retrying
// transient write errors detached from ctx.
func (s *Service) failSimulation(ctx context.Context, proposalID string, cause error) (domain.State, error) {
	logCtx := logging.WithAttrs(ctx, slog.String("component", "usecase.pipeline"), slog.String("proposal_id", proposalID))
	logging.Warn(logCtx, "simulation failed", slog.Any("err", errs.Loggable(cause)))

	fctx := context.WithoutCancel(ctx)
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxInterval = time.Second

	_, err := backoff.Retry(fctx, func() (struct{}, error) {
		err := s.transitionOne(fctx, transition{
			proposalID: proposalID,
			from:       domain.StateSimulating,
			to:         domain.StateSimulationFailed,
			reason:     cause.Error(),
		})
		if errors.Is(err, domain.ErrInvalidTransition) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(simulationRecordTries),
	)
	switch {
	case err == nil:
		return domain.StateSimulationFailed, nil
	case errors.Is(err, domain.ErrInvalidTransition):
		logging.Warn(logCtx, "simulation outcome dropped, lifecycle moved on", slog.Any("err", errs.Loggable(err)))
		return "", nil
	default:
		return "", errs.Wrap(err, "record simulation failure")
	}
}

func (s *Service) checkSimulationDeps() error {
	switch {
	case s.deps.Traffic == nil:
		return errors.New("traffic source is required")
	case s.deps.Sandboxes == nil:
		return errors.New("sandbox manager is required")
	case s.deps.Replayer == nil:
		return errors.New("replay engine is required")
	case s.deps.Analyzer == nil:
		return errors.New("impact analyzer is required")
	case s.deps.Router == nil:
		return errors.New("approval router is required")
	}
	return nil
}
