package pipeline

import "time"

// Verdict is the compatibility outcome of a simulation.
type Verdict string

const (
	VerdictCompatible Verdict = "compatible"
	VerdictBreaking   Verdict = "breaking"
)

// BreakingChange is one query pattern that behaves differently after the change.
type BreakingChange struct {
	PatternHash string `json:"pattern_hash"`
	Query       string `json:"query"`
	Reason      string `json:"reason"`
	Error       string `json:"error,omitempty"`
}

const (
	BreakingShapeChanged    = "shape_changed"
	BreakingErrorIntroduced = "error_introduced"
)

// ClassDelta is the latency change of one query class.
type ClassDelta struct {
	PatternHash  string  `json:"pattern_hash"`
	Frequency    int     `json:"frequency"`
	BaselineMs   float64 `json:"baseline_ms"`
	ProposedMs   float64 `json:"proposed_ms"`
	RelativeDiff float64 `json:"relative_diff"`
}

// ImpactReport is the analyzer output for one proposal.
type ImpactReport struct {
	ID              uint64
	ProposalID      string
	Verdict         Verdict
	BreakingChanges []BreakingChange
	PerfDelta       float64
	ClassDeltas     []ClassDelta
	MigrationRows   int64
	SubScores       SubScores
	RiskScore       float64
	RiskLevel       RiskLevel
	WeightsVersion  uint64
	QueriesSampled  int
	CreatedAt       time.Time
}

// Outcome is the terminal result of a deployment attempt.
type Outcome string

const (
	OutcomeSucceeded  Outcome = "succeeded"
	OutcomeRolledBack Outcome = "rolled_back"
	OutcomeAborted    Outcome = "aborted"
)

// SideEffect names an effect the impact report did not predict.
const (
	SideEffectErrorRateIncrease     = "error_rate_increase"
	SideEffectUnexpectedImprovement = "unexpected_improvement"
	SideEffectUnexpectedRegression  = "unexpected_regression"
)

// FeedbackReport compares predicted and observed effect of a settled deployment.
type FeedbackReport struct {
	ProposalID      string
	DeploymentID    uint64
	PredictedDelta  float64
	ObservedDelta   float64
	PredictionError float64
	ErrorRateDelta  float64
	SideEffects     []string
	Adjustment      Adjustment
	CreatedAt       time.Time
}
