package feedback

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"schemapilot/internal/domain/pipeline"
	"schemapilot/internal/errs"
	"schemapilot/internal/ports"
)

const (
	perfGain      = 0.5
	perfStepLimit = 0.1
	breakingStep  = 0.05
	raiseStep     = 0.02
	relaxStep     = 0.01
	calmError     = 0.05
	weightFloor   = 0.01
)

type Config struct {
	Delay                time.Duration
	MinRecords           int
	MissedIssueErrorRate float64
	AccuracyTolerance    float64
}

type Collector struct {
	health ports.HealthSource
	cfg    Config
}

func NewCollector(health ports.HealthSource, cfg Config) *Collector {
	if cfg.MinRecords <= 0 {
		cfg.MinRecords = 10
	}
	return &Collector{health: health, cfg: cfg}
}

type Input struct {
	Proposal   pipeline.Proposal
	Predicted  pipeline.ImpactReport
	Deployment ports.DeploymentRecord
}

// DueAt is when feedback may be collected for a deployment closed at closedAt.
func (c *Collector) DueAt(closedAt time.Time) time.Time {
	return closedAt.Add(c.cfg.Delay)
}

// Collect compares the predicted latency change with the change observed
// over the monitoring window, which runs from the deployment close until
// the feedback delay elapses. Only succeeded deployments qualify.
func (c *Collector) Collect(ctx context.Context, in Input, now time.Time) (pipeline.FeedbackReport, error) {
	if ctx == nil {
		return pipeline.FeedbackReport{}, errors.New("context is required")
	}
	if c.health == nil {
		return pipeline.FeedbackReport{}, errors.New("health source is required")
	}
	if in.Deployment.Outcome != string(pipeline.OutcomeSucceeded) {
		return pipeline.FeedbackReport{}, fmt.Errorf("feedback needs a succeeded deployment, got %q", in.Deployment.Outcome)
	}
	closedAt, err := ports.ParseTime(in.Deployment.ClosedAt)
	if err != nil || closedAt.IsZero() {
		return pipeline.FeedbackReport{}, fmt.Errorf("deployment %d has no close time", in.Deployment.DeploymentID)
	}
	due := c.DueAt(closedAt)
	if now.Before(due) {
		return pipeline.FeedbackReport{}, fmt.Errorf("feedback not due until %s", due.UTC().Format(time.RFC3339))
	}

	observed, err := c.health.Window(ctx, in.Deployment.TargetVersion, closedAt, due)
	if err != nil {
		return pipeline.FeedbackReport{}, errs.Wrap(fmt.Errorf("%w: %v", pipeline.ErrHealthCheckUnavailable, err), "read monitoring window")
	}

	baseline := pipeline.HealthSample{ErrorRate: in.Deployment.BaselineErrorRate, P95Ms: in.Deployment.BaselineP95Ms}
	current := pipeline.HealthSample{ErrorRate: observed.ErrorRate, P95Ms: observed.P95Ms}
	observedDelta := pipeline.LatencyDelta(baseline, current)
	errorRateDelta := pipeline.ErrorRateDelta(baseline, current)
	predicted := in.Predicted.PerfDelta
	predictionError := observedDelta - predicted

	sideEffects := make([]string, 0)
	if errorRateDelta > c.cfg.MissedIssueErrorRate {
		sideEffects = append(sideEffects, pipeline.SideEffectErrorRateIncrease)
	}
	switch {
	case observedDelta < predicted-c.cfg.AccuracyTolerance:
		sideEffects = append(sideEffects, pipeline.SideEffectUnexpectedImprovement)
	case observedDelta > predicted+c.cfg.AccuracyTolerance:
		sideEffects = append(sideEffects, pipeline.SideEffectUnexpectedRegression)
	}

	return pipeline.FeedbackReport{
		ProposalID:      in.Proposal.ID,
		DeploymentID:    in.Deployment.DeploymentID,
		PredictedDelta:  predicted,
		ObservedDelta:   round4(observedDelta),
		PredictionError: round4(predictionError),
		ErrorRateDelta:  round4(errorRateDelta),
		SideEffects:     sideEffects,
		Adjustment:      adjustmentFor(in.Proposal, predictionError, sideEffects),
		CreatedAt:       now.UTC(),
	}, nil
}

// adjustmentFor derives the signed weight corrections of one report. A
// positive prediction error means the change was slower than predicted, so
// the performance weight grows.
func adjustmentFor(proposal pipeline.Proposal, predictionError float64, sideEffects []string) pipeline.Adjustment {
	var adj pipeline.Adjustment
	adj.Performance = math.Max(-perfStepLimit, math.Min(perfStepLimit, predictionError*perfGain))

	missed := false
	for _, effect := range sideEffects {
		if effect == pipeline.SideEffectErrorRateIncrease {
			missed = true
		}
	}
	if missed {
		adj.Breaking = breakingStep
	}

	if proposal.Payload.Migration.Required {
		if len(sideEffects) > 0 {
			adj.Migration = raiseStep
		} else {
			adj.Migration = -relaxStep
		}
	}

	switch {
	case len(sideEffects) > 0:
		adj.Kind = raiseStep
	case math.Abs(predictionError) < calmError:
		adj.Kind = -relaxStep
	}

	adj.Performance = round4(adj.Performance)
	return adj
}

// Recalibrate averages the adjustments and applies them to current. Each
// weight is floored and the set renormalized. Fewer than minRecords
// adjustments fail with pipeline.ErrInsufficientFeedback.
func Recalibrate(current pipeline.Weights, adjustments []pipeline.Adjustment, minRecords int) (pipeline.Weights, pipeline.Adjustment, error) {
	if len(adjustments) < minRecords || len(adjustments) == 0 {
		return pipeline.Weights{}, pipeline.Adjustment{}, fmt.Errorf("%w: have %d, need %d", pipeline.ErrInsufficientFeedback, len(adjustments), minRecords)
	}

	var sum pipeline.Adjustment
	for _, a := range adjustments {
		sum.Breaking += a.Breaking
		sum.Performance += a.Performance
		sum.Migration += a.Migration
		sum.Kind += a.Kind
	}
	n := float64(len(adjustments))
	avg := pipeline.Adjustment{
		Breaking:    round4(sum.Breaking / n),
		Performance: round4(sum.Performance / n),
		Migration:   round4(sum.Migration / n),
		Kind:        round4(sum.Kind / n),
	}

	next := current.Adjust(avg, weightFloor)
	next = pipeline.Weights{
		Breaking:    round4(next.Breaking),
		Performance: round4(next.Performance),
		Migration:   round4(next.Migration),
		Kind:        round4(next.Kind),
	}
	return next, avg, nil
}

// MinRecords is the configured recalibration threshold.
func (c *Collector) MinRecords() int {
	return c.cfg.MinRecords
}

func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
