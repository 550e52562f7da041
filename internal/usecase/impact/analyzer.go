package impact

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"schemapilot/internal/domain/pipeline"
	"schemapilot/internal/observability"
	"schemapilot/internal/usecase/replay"
)

type Analyzer struct {
	profile Profile
	metrics *observability.Metrics
}

func NewAnalyzer(profile Profile, metrics *observability.Metrics) *Analyzer {
	return &Analyzer{profile: profile, metrics: metrics}
}

type Input struct {
	Proposal       pipeline.Proposal
	Baseline       replay.Result
	Proposed       replay.Result
	Weights        pipeline.Weights
	WeightsVersion uint64
	Now            time.Time
}

// Analyze compares the two replays of one sample and scores the change.
// Both results must cover the same sample in the same order.
func (a *Analyzer) Analyze(in Input) (pipeline.ImpactReport, error) {
	if len(in.Baseline.Results) != len(in.Proposed.Results) {
		return pipeline.ImpactReport{}, fmt.Errorf("replay results differ in length: baseline %d, proposed %d",
			len(in.Baseline.Results), len(in.Proposed.Results))
	}
	if len(in.Baseline.Results) == 0 {
		return pipeline.ImpactReport{}, errors.New("replay sample is empty")
	}

	breaking, affectedWeight, totalWeight := detectBreaking(in.Baseline, in.Proposed)
	perfDelta, classes := performanceDelta(in.Baseline, in.Proposed)

	var migrationRows int64
	if in.Proposal.Payload.Migration.Required {
		migrationRows = in.Proposal.Payload.Migration.AffectedRecords
	}

	sub := pipeline.SubScores{
		Breaking:    100 * float64(affectedWeight) / float64(totalWeight),
		Performance: 100 * math.Min(math.Max(perfDelta, 0)/a.profile.Scoring.PerfCap, 1),
		Migration:   migrationScore(migrationRows, a.profile.Scoring.MaxMigrationRows),
		Kind:        a.profile.kindRisk(in.Proposal.Kind),
	}
	sub = pipeline.SubScores{
		Breaking:    round2(pipeline.ClampScore(sub.Breaking)),
		Performance: round2(pipeline.ClampScore(sub.Performance)),
		Migration:   round2(pipeline.ClampScore(sub.Migration)),
		Kind:        round2(pipeline.ClampScore(sub.Kind)),
	}

	weights := in.Weights
	if weights.Validate() != nil {
		weights = a.profile.Weights
	}
	score := pipeline.Score(sub, weights)
	a.metrics.ObserveRisk(score)

	verdict := pipeline.VerdictCompatible
	if len(breaking) > 0 {
		verdict = pipeline.VerdictBreaking
	}
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	return pipeline.ImpactReport{
		ProposalID:      in.Proposal.ID,
		Verdict:         verdict,
		BreakingChanges: breaking,
		PerfDelta:       round4(perfDelta),
		ClassDeltas:     classes,
		MigrationRows:   migrationRows,
		SubScores:       sub,
		RiskScore:       score,
		RiskLevel:       pipeline.LevelFor(score),
		WeightsVersion:  in.WeightsVersion,
		QueriesSampled:  len(in.Baseline.Results),
		CreatedAt:       now.UTC(),
	}, nil
}

// detectBreaking flags queries whose result shape changed, or that fail on
// the proposed schema after succeeding on the baseline. Queries already
// failing on the baseline are ignored. One entry is kept per pattern class.
//
// The counts are weighted by recorded frequency: affected is the summed
// weight of breaking queries and total the summed weight of the sample, so
// the breaking sub-score affected/total is the share of observed traffic
// that breaks, not the share of distinct sampled queries. With every weight
// at 1 the two coincide.
func detectBreaking(baseline replay.Result, proposed replay.Result) ([]pipeline.BreakingChange, int, int) {
	seen := make(map[string]struct{})
	out := make([]pipeline.BreakingChange, 0)
	affected, total := 0, 0
	for i, b := range baseline.Results {
		p := proposed.Results[i]
		total += b.Weight

		var change *pipeline.BreakingChange
		switch {
		case !b.OK:
		case !p.OK:
			change = &pipeline.BreakingChange{PatternHash: b.PatternHash, Query: b.Query, Reason: pipeline.BreakingErrorIntroduced, Error: p.Error}
		case b.ShapeSignature != p.ShapeSignature:
			change = &pipeline.BreakingChange{PatternHash: b.PatternHash, Query: b.Query, Reason: pipeline.BreakingShapeChanged}
		}
		if change == nil {
			continue
		}
		affected += b.Weight
		if _, ok := seen[change.PatternHash]; ok {
			continue
		}
		seen[change.PatternHash] = struct{}{}
		out = append(out, *change)
	}
	if total == 0 {
		total = 1
	}
	return out, affected, total
}

type classAcc struct {
	frequency     int
	baseSum       float64
	baseN         int
	propSum       float64
	propN         int
	firstPosition int
}

// performanceDelta is the frequency-weighted mean of the per-class relative
// latency change. Classes without a successful run on both sides are skipped.
func performanceDelta(baseline replay.Result, proposed replay.Result) (float64, []pipeline.ClassDelta) {
	classes := make(map[string]*classAcc)
	for i, b := range baseline.Results {
		p := proposed.Results[i]
		acc, ok := classes[b.PatternHash]
		if !ok {
			acc = &classAcc{firstPosition: i}
			classes[b.PatternHash] = acc
		}
		acc.frequency += b.Weight
		if b.OK {
			acc.baseSum += float64(b.Latency) / float64(time.Millisecond)
			acc.baseN++
		}
		if p.OK {
			acc.propSum += float64(p.Latency) / float64(time.Millisecond)
			acc.propN++
		}
	}

	deltas := make([]pipeline.ClassDelta, 0, len(classes))
	var weighted float64
	var weight int
	for hash, acc := range classes {
		if acc.baseN == 0 || acc.propN == 0 {
			continue
		}
		baseMs := acc.baseSum / float64(acc.baseN)
		propMs := acc.propSum / float64(acc.propN)
		if baseMs <= 0 {
			continue
		}
		diff := (propMs - baseMs) / baseMs
		weighted += diff * float64(acc.frequency)
		weight += acc.frequency
		deltas = append(deltas, pipeline.ClassDelta{
			PatternHash:  hash,
			Frequency:    acc.frequency,
			BaselineMs:   round4(baseMs),
			ProposedMs:   round4(propMs),
			RelativeDiff: round4(diff),
		})
	}
	sort.Slice(deltas, func(i, j int) bool {
		if deltas[i].Frequency != deltas[j].Frequency {
			return deltas[i].Frequency > deltas[j].Frequency
		}
		return deltas[i].PatternHash < deltas[j].PatternHash
	})
	if weight == 0 {
		return 0, deltas
	}
	return weighted / float64(weight), deltas
}

func migrationScore(rows int64, maxRows int64) float64 {
	if rows <= 0 {
		return 0
	}
	return 100 * math.Log10(1+float64(rows)) / math.Log10(1+float64(maxRows))
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }
