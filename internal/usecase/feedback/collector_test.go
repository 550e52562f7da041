package feedback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"schemapilot/internal/domain/pipeline"
	"schemapilot/internal/ports"
)

type windowHealth struct {
	reading ports.HealthReading
	err     error
	from    time.Time
	to      time.Time
}

func (h *windowHealth) Sample(context.Context, string) (ports.HealthReading, error) {
	return h.reading, h.err
}

func (h *windowHealth) Window(_ context.Context, _ string, from time.Time, to time.Time) (ports.HealthReading, error) {
	h.from, h.to = from, to
	return h.reading, h.err
}

var closedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{Delay: 24 * time.Hour, MinRecords: 3, MissedIssueErrorRate: 0.05, AccuracyTolerance: 0.10}
}

func succeeded() ports.DeploymentRecord {
	return ports.DeploymentRecord{
		DeploymentID:      7,
		ProposalID:        "p-1",
		TargetVersion:     "v1",
		Outcome:           string(pipeline.OutcomeSucceeded),
		BaselineErrorRate: 0.01,
		BaselineP95Ms:     100,
		ClosedAt:          ports.FormatTime(closedAt),
	}
}

func TestCollectAccuratePrediction(t *testing.T) {
	health := &windowHealth{reading: ports.HealthReading{ErrorRate: 0.01, P95Ms: 92}}
	c := NewCollector(health, testConfig())
	in := Input{
		Proposal:   pipeline.Proposal{ID: "p-1", Kind: pipeline.KindAddIndex},
		Predicted:  pipeline.ImpactReport{PerfDelta: -0.10},
		Deployment: succeeded(),
	}

	report, err := c.Collect(context.Background(), in, closedAt.Add(25*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, closedAt, health.from)
	assert.Equal(t, closedAt.Add(24*time.Hour), health.to)
	assert.InDelta(t, -0.08, report.ObservedDelta, 1e-9)
	assert.InDelta(t, 0.02, report.PredictionError, 1e-9)
	assert.Empty(t, report.SideEffects)
	assert.InDelta(t, 0.01, report.Adjustment.Performance, 1e-9)
	assert.Zero(t, report.Adjustment.Breaking)
	assert.Zero(t, report.Adjustment.Migration)
	assert.InDelta(t, -0.01, report.Adjustment.Kind, 1e-9)
	assert.Equal(t, uint64(7), report.DeploymentID)
}

func TestCollectDetectsSideEffects(t *testing.T) {
	health := &windowHealth{reading: ports.HealthReading{ErrorRate: 0.08, P95Ms: 150}}
	c := NewCollector(health, testConfig())
	proposal := pipeline.Proposal{ID: "p-1", Kind: pipeline.KindMergeEntities}
	proposal.Payload.Migration = pipeline.Migration{Required: true, Backfill: pipeline.BackfillAsync}
	in := Input{Proposal: proposal, Predicted: pipeline.ImpactReport{PerfDelta: 0.05}, Deployment: succeeded()}

	report, err := c.Collect(context.Background(), in, closedAt.Add(48*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, []string{pipeline.SideEffectErrorRateIncrease, pipeline.SideEffectUnexpectedRegression}, report.SideEffects)
	assert.InDelta(t, 0.45, report.PredictionError, 1e-9)
	assert.InDelta(t, 0.1, report.Adjustment.Performance, 1e-9)
	assert.InDelta(t, 0.05, report.Adjustment.Breaking, 1e-9)
	assert.InDelta(t, 0.02, report.Adjustment.Migration, 1e-9)
	assert.InDelta(t, 0.02, report.Adjustment.Kind, 1e-9)
}

func TestCollectUnexpectedImprovement(t *testing.T) {
	health := &windowHealth{reading: ports.HealthReading{ErrorRate: 0.01, P95Ms: 50}}
	c := NewCollector(health, testConfig())
	proposal := pipeline.Proposal{ID: "p-1", Kind: pipeline.KindAddIndex}
	proposal.Payload.Migration = pipeline.Migration{Required: true, Backfill: pipeline.BackfillLazy}
	in := Input{Proposal: proposal, Predicted: pipeline.ImpactReport{PerfDelta: 0}, Deployment: succeeded()}

	report, err := c.Collect(context.Background(), in, closedAt.Add(24*time.Hour))
	require.NoError(t, err)

	assert.Equal(t, []string{pipeline.SideEffectUnexpectedImprovement}, report.SideEffects)
	assert.InDelta(t, -0.1, report.Adjustment.Performance, 1e-9)
	assert.InDelta(t, 0.02, report.Adjustment.Migration, 1e-9)
}

func TestCollectRejectsEarlyOrUnsucceeded(t *testing.T) {
	c := NewCollector(&windowHealth{}, testConfig())
	in := Input{Proposal: pipeline.Proposal{ID: "p-1"}, Deployment: succeeded()}

	_, err := c.Collect(context.Background(), in, closedAt.Add(time.Hour))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not due")

	in.Deployment.Outcome = string(pipeline.OutcomeRolledBack)
	_, err = c.Collect(context.Background(), in, closedAt.Add(48*time.Hour))
	require.Error(t, err)
}

func TestCollectHealthUnavailable(t *testing.T) {
	c := NewCollector(&windowHealth{err: errors.New("influx down")}, testConfig())
	in := Input{Proposal: pipeline.Proposal{ID: "p-1"}, Deployment: succeeded()}

	_, err := c.Collect(context.Background(), in, closedAt.Add(48*time.Hour))
	assert.ErrorIs(t, err, pipeline.ErrHealthCheckUnavailable)
}

func TestRecalibrateNeedsMinimumRecords(t *testing.T) {
	_, _, err := Recalibrate(pipeline.DefaultWeights(), []pipeline.Adjustment{{Performance: 0.1}}, 3)
	assert.ErrorIs(t, err, pipeline.ErrInsufficientFeedback)

	_, _, err = Recalibrate(pipeline.DefaultWeights(), nil, 0)
	assert.ErrorIs(t, err, pipeline.ErrInsufficientFeedback)
}

func TestRecalibrateAveragesAndNormalizes(t *testing.T) {
	adjustments := []pipeline.Adjustment{
		{Performance: 0.10, Kind: 0.02},
		{Performance: 0.05, Kind: 0.02},
		{Performance: 0.03, Kind: -0.01},
		{Performance: 0.02, Kind: -0.01},
	}
	next, avg, err := Recalibrate(pipeline.DefaultWeights(), adjustments, 3)
	require.NoError(t, err)

	assert.InDelta(t, 0.05, avg.Performance, 1e-9)
	assert.InDelta(t, 0.005, avg.Kind, 1e-9)
	assert.InDelta(t, 1.0, next.Sum(), 1e-3)
	assert.Greater(t, next.Performance, pipeline.DefaultWeights().Performance)
	assert.Less(t, next.Breaking, pipeline.DefaultWeights().Breaking)
}

func TestRecalibrateFloorsWeights(t *testing.T) {
	w := pipeline.Weights{Breaking: 0.5, Performance: 0.02, Migration: 0.28, Kind: 0.2}
	next, _, err := Recalibrate(w, []pipeline.Adjustment{{Performance: -0.1}}, 1)
	require.NoError(t, err)
	assert.Greater(t, next.Performance, 0.0)
}
