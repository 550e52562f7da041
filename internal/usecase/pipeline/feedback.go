package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"schemapilot/internal/bootstrap/logging"
	domain "schemapilot/internal/domain/pipeline"
	"schemapilot/internal/errs"
	"schemapilot/internal/ports"
	"schemapilot/internal/usecase/feedback"
)

// collectFeedback produces the feedback report of every monitoring proposal
// whose delay has elapsed and closes its lifecycle.
func (s *Service) collectFeedback(ctx context.Context, report *TickReport) error {
	monitoring, err := s.deps.Repo.ListLifecycles(ctx, ports.LifecycleFilter{States: []string{string(domain.StateMonitoring)}})
	if err != nil {
		return err
	}
	if len(monitoring) == 0 {
		return nil
	}
	if s.deps.Collector == nil {
		return errors.New("feedback collector is required")
	}
	logCtx := logging.WithAttrs(ctx, slog.String("component", "usecase.pipeline"))
	now := s.now()

	for _, lc := range monitoring {
		dep, err := s.deps.Repo.GetLatestDeployment(ctx, lc.ProposalID)
		if err != nil {
			return err
		}
		closedAt, err := ports.ParseTime(dep.ClosedAt)
		if err != nil {
			return errs.Wrapf(err, "parse closed_at of deployment %d", dep.DeploymentID)
		}
		if closedAt.IsZero() || now.Before(s.deps.Collector.DueAt(closedAt)) {
			continue
		}

		proposal, err := s.proposal(ctx, lc.ProposalID)
		if err != nil {
			return err
		}
		var predicted domain.ImpactReport
		if lc.ReportID != nil {
			record, err := s.deps.Repo.GetImpactReport(ctx, *lc.ReportID)
			if err != nil {
				return err
			}
			if predicted, err = reportFromRecord(record); err != nil {
				return err
			}
		}

		fb, err := s.deps.Collector.Collect(ctx, feedback.Input{Proposal: proposal, Predicted: predicted, Deployment: dep}, now)
		if err != nil {
			// Retried next tick.
			logging.Warn(logCtx, "feedback collection failed",
				slog.String("proposal_id", lc.ProposalID),
				slog.Any("err", errs.Loggable(err)),
			)
			continue
		}
		record, err := feedbackToRecord(fb)
		if err != nil {
			return err
		}

		err = s.commit(ctx, func(txCtx context.Context, apply func(transition) error) error {
			if _, err := s.deps.Repo.CreateFeedbackReport(txCtx, record); err != nil {
				return err
			}
			return apply(transition{
				proposalID: lc.ProposalID,
				from:       domain.StateMonitoring,
				to:         domain.StateClosed,
			})
		})
		if errors.Is(err, domain.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return err
		}
		report.FeedbackCollected++
		logging.Info(logCtx, "feedback collected",
			slog.String("proposal_id", lc.ProposalID),
			slog.Float64("predicted_delta", fb.PredictedDelta),
			slog.Float64("observed_delta", fb.ObservedDelta),
			slog.String("side_effects", strings.Join(fb.SideEffects, ",")),
		)
	}
	return nil
}

type CalibrationStatus struct {
	Weights    ports.RiskWeightsRecord
	Pending    int
	MinRecords int
}

type Recalibration struct {
	Previous ports.RiskWeightsRecord
	Next     ports.RiskWeightsRecord
	Average  domain.Adjustment
	Records  int
	DryRun   bool
}

// Calibration reports the current weights and how much feedback awaits.
func (s *Service) Calibration(ctx context.Context) (CalibrationStatus, error) {
	if err := s.checkContext(ctx); err != nil {
		return CalibrationStatus{}, err
	}
	weights, err := s.ensureWeights(ctx)
	if err != nil {
		return CalibrationStatus{}, err
	}
	pending, err := s.deps.Repo.ListUnappliedFeedback(ctx)
	if err != nil {
		return CalibrationStatus{}, err
	}
	status := CalibrationStatus{Weights: weights, Pending: len(pending)}
	if s.deps.Collector != nil {
		status.MinRecords = s.deps.Collector.MinRecords()
	}
	return status, nil
}

// Recalibrate folds unapplied feedback into a new weights version. With
// dryRun nothing is written.
func (s *Service) Recalibrate(ctx context.Context, actor string, dryRun bool) (Recalibration, error) {
	if err := s.checkContext(ctx); err != nil {
		return Recalibration{}, err
	}
	if s.deps.Collector == nil {
		return Recalibration{}, errors.New("feedback collector is required")
	}
	actor = strings.TrimSpace(actor)
	if actor == "" {
		actor = "operator"
	}
	if _, err := s.ensureWeights(ctx); err != nil {
		return Recalibration{}, err
	}

	var out Recalibration
	err := s.commit(ctx, func(txCtx context.Context, _ func(transition) error) error {
		current, err := s.deps.Repo.GetLatestRiskWeights(txCtx)
		if err != nil {
			return err
		}
		pending, err := s.deps.Repo.ListUnappliedFeedback(txCtx)
		if err != nil {
			return err
		}
		adjustments := make([]domain.Adjustment, 0, len(pending))
		ids := make([]uint64, 0, len(pending))
		for _, record := range pending {
			adjustments = append(adjustments, adjustmentFromRecord(record))
			ids = append(ids, record.FeedbackID)
		}

		next, avg, err := feedback.Recalibrate(weightsFromRecord(current), adjustments, s.deps.Collector.MinRecords())
		if err != nil {
			return err
		}
		out = Recalibration{
			Previous: current,
			Average:  avg,
			Records:  len(pending),
			DryRun:   dryRun,
			Next: ports.RiskWeightsRecord{
				Breaking:    next.Breaking,
				Performance: next.Performance,
				Migration:   next.Migration,
				Kind:        next.Kind,
				Source:      "recalibration",
				Note:        fmt.Sprintf("averaged %d feedback reports", len(pending)),
				CreatedBy:   actor,
				CreatedAt:   ports.FormatTime(s.now()),
			},
		}
		if dryRun {
			return nil
		}

		stored, err := s.deps.Repo.CreateRiskWeights(txCtx, out.Next)
		if err != nil {
			return err
		}
		out.Next = stored
		return s.deps.Repo.MarkFeedbackApplied(txCtx, ids, stored.Version)
	})
	if err != nil {
		return Recalibration{}, err
	}

	logging.Info(
		logging.WithAttrs(ctx, slog.String("component", "usecase.pipeline")),
		"risk weights recalibrated",
		slog.Bool("dry_run", dryRun),
		slog.Int("records", out.Records),
		slog.Uint64("previous_version", out.Previous.Version),
		slog.Uint64("version", out.Next.Version),
		slog.String("actor", actor),
	)
	return out, nil
}

// ensureWeights returns the latest weights, seeding version 1 from the risk
// profile when none exist.
func (s *Service) ensureWeights(ctx context.Context) (ports.RiskWeightsRecord, error) {
	current, err := s.deps.Repo.GetLatestRiskWeights(ctx)
	if err == nil {
		return current, nil
	}
	if !errors.Is(err, ports.ErrRecordNotFound) {
		return ports.RiskWeightsRecord{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err = s.deps.UoW.WithTx(ctx, func(txCtx context.Context) error {
		current, err = s.deps.Repo.GetLatestRiskWeights(txCtx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ports.ErrRecordNotFound) {
			return err
		}
		seed := s.cfg.SeedWeights.Normalized()
		current, err = s.deps.Repo.CreateRiskWeights(txCtx, ports.RiskWeightsRecord{
			Breaking:    seed.Breaking,
			Performance: seed.Performance,
			Migration:   seed.Migration,
			Kind:        seed.Kind,
			Source:      "profile",
			Note:        "seeded from risk profile",
			CreatedBy:   actorPipeline,
			CreatedAt:   ports.FormatTime(s.now()),
		})
		return err
	})
	if err != nil {
		return ports.RiskWeightsRecord{}, errs.Wrap(err, "seed risk weights")
	}
	return current, nil
}
