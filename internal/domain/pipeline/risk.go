package pipeline

import (
	"fmt"
	"math"
)

// RiskLevel is the band a risk score falls into.
type RiskLevel string

const (
	RiskSafe     RiskLevel = "safe"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

func RiskLevels() []RiskLevel {
	return []RiskLevel{RiskSafe, RiskLow, RiskMedium, RiskHigh, RiskCritical}
}

// LevelFor maps a score to its band: [0,20) safe, [20,40) low, [40,60) medium,
// [60,80) high, [80,100] critical. Out-of-range scores are clamped first.
func LevelFor(score float64) RiskLevel {
	score = ClampScore(score)
	switch {
	case score < 20:
		return RiskSafe
	case score < 40:
		return RiskLow
	case score < 60:
		return RiskMedium
	case score < 80:
		return RiskHigh
	default:
		return RiskCritical
	}
}

func ParseRiskLevel(raw string) (RiskLevel, error) {
	for _, level := range RiskLevels() {
		if string(level) == raw {
			return level, nil
		}
	}
	return "", fmt.Errorf("unknown risk level %q", raw)
}

// Weights are the relative importance of each sub-score.
type Weights struct {
	Breaking    float64 `json:"breaking" toml:"breaking"`
	Performance float64 `json:"performance" toml:"performance"`
	Migration   float64 `json:"migration" toml:"migration"`
	Kind        float64 `json:"kind" toml:"kind"`
}

func DefaultWeights() Weights {
	return Weights{Breaking: 0.40, Performance: 0.25, Migration: 0.15, Kind: 0.20}
}

func (w Weights) Sum() float64 {
	return w.Breaking + w.Performance + w.Migration + w.Kind
}

func (w Weights) Validate() error {
	for name, v := range map[string]float64{
		"breaking":    w.Breaking,
		"performance": w.Performance,
		"migration":   w.Migration,
		"kind":        w.Kind,
	} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("risk weight %s must be a finite non-negative number, got %v", name, v)
		}
	}
	if w.Sum() <= 0 {
		return fmt.Errorf("risk weights must not all be zero")
	}
	return nil
}

// Normalized rescales weights to sum to 1.
func (w Weights) Normalized() Weights {
	sum := w.Sum()
	if sum <= 0 {
		return DefaultWeights()
	}
	return Weights{
		Breaking:    w.Breaking / sum,
		Performance: w.Performance / sum,
		Migration:   w.Migration / sum,
		Kind:        w.Kind / sum,
	}
}

// Adjust applies a signed correction per component, floors each weight, and renormalizes.
func (w Weights) Adjust(delta Adjustment, floor float64) Weights {
	next := Weights{
		Breaking:    math.Max(floor, w.Breaking+delta.Breaking),
		Performance: math.Max(floor, w.Performance+delta.Performance),
		Migration:   math.Max(floor, w.Migration+delta.Migration),
		Kind:        math.Max(floor, w.Kind+delta.Kind),
	}
	return next.Normalized()
}

// Adjustment is a signed correction factor per risk component.
type Adjustment struct {
	Breaking    float64 `json:"breaking"`
	Performance float64 `json:"performance"`
	Migration   float64 `json:"migration"`
	Kind        float64 `json:"kind"`
}

// SubScores are the four normalized [0,100] risk components.
type SubScores struct {
	Breaking    float64 `json:"breaking"`
	Performance float64 `json:"performance"`
	Migration   float64 `json:"migration"`
	Kind        float64 `json:"kind"`
}

// Score is the weighted mean of the sub-scores, clamped to [0,100] and rounded to 0.01.
func Score(sub SubScores, w Weights) float64 {
	sum := w.Sum()
	if sum <= 0 {
		w = DefaultWeights()
		sum = w.Sum()
	}
	raw := (ClampScore(sub.Breaking)*w.Breaking +
		ClampScore(sub.Performance)*w.Performance +
		ClampScore(sub.Migration)*w.Migration +
		ClampScore(sub.Kind)*w.Kind) / sum
	return math.Round(ClampScore(raw)*100) / 100
}

func ClampScore(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Min(100, math.Max(0, v))
}

// DefaultKindRisk is the base risk per change kind.
func DefaultKindRisk() map[ChangeKind]float64 {
	return map[ChangeKind]float64{
		KindAddIndex:          10,
		KindAddComputedField:  30,
		KindAddValidationRule: 35,
		KindAddRelationship:   40,
		KindDeprecateEntity:   70,
		KindMergeEntities:     90,
	}
}
