package httpapi

import (
	domain "schemapilot/internal/domain/pipeline"
	"schemapilot/internal/ports"
	"schemapilot/internal/usecase/pipeline"
)

type ReportView struct {
	ReportID        uint64                  `json:"report_id"`
	Verdict         string                  `json:"verdict"`
	RiskScore       float64                 `json:"risk_score"`
	RiskLevel       string                  `json:"risk_level"`
	SubScores       domain.SubScores        `json:"sub_scores"`
	PerfDelta       float64                 `json:"perf_delta"`
	MigrationRows   int64                   `json:"migration_rows"`
	QueriesSampled  int                     `json:"queries_sampled"`
	WeightsVersion  uint64                  `json:"weights_version"`
	BreakingChanges []domain.BreakingChange `json:"breaking_changes"`
	ClassDeltas     []domain.ClassDelta     `json:"class_deltas"`
}

type DecisionView struct {
	Reviewer  string `json:"reviewer"`
	Role      string `json:"role,omitempty"`
	Verdict   string `json:"verdict"`
	Comment   string `json:"comment,omitempty"`
	DecidedAt string `json:"decided_at"`
}

type DeploymentView struct {
	DeploymentID      uint64 `json:"deployment_id"`
	Attempt           int    `json:"attempt"`
	Stage             int    `json:"stage"`
	Outcome           string `json:"outcome,omitempty"`
	RollbackReason    string `json:"rollback_reason,omitempty"`
	StartedAt         string `json:"started_at"`
	ClosedAt          string `json:"closed_at,omitempty"`
	TrafficRevertedAt string `json:"traffic_reverted_at,omitempty"`
	SchemaRevertedAt  string `json:"schema_reverted_at,omitempty"`
	Samples           int    `json:"health_samples"`
}

type TransitionView struct {
	From   string `json:"from,omitempty"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
	Actor  string `json:"actor,omitempty"`
	At     string `json:"at"`
}

// DetailView is the JSON shape of one proposal's lifecycle.
type DetailView struct {
	ProposalID     string            `json:"proposal_id"`
	TargetVersion  string            `json:"target_version"`
	Kind           string            `json:"kind"`
	State          string            `json:"state"`
	Reason         string            `json:"reason,omitempty"`
	RiskScore      *float64          `json:"risk_score,omitempty"`
	RiskLevel      string            `json:"risk_level,omitempty"`
	EnteredStateAt string            `json:"entered_state_at"`
	ResubmissionOf string            `json:"resubmission_of,omitempty"`
	Provenance     domain.Provenance `json:"provenance"`
	Payload        domain.Payload    `json:"payload"`
	Report         *ReportView       `json:"report,omitempty"`
	RequiredRoles  []string          `json:"required_roles,omitempty"`
	MissingRoles   []string          `json:"missing_roles,omitempty"`
	Decisions      []DecisionView    `json:"decisions,omitempty"`
	Deployment     *DeploymentView   `json:"deployment,omitempty"`
	Feedback       *FeedbackView     `json:"feedback,omitempty"`
	History        []TransitionView  `json:"history,omitempty"`
}

type FeedbackView struct {
	PredictedDelta  float64 `json:"predicted_delta"`
	ObservedDelta   float64 `json:"observed_delta"`
	PredictionError float64 `json:"prediction_error"`
	ErrorRateDelta  float64 `json:"error_rate_delta"`
	SideEffects     string  `json:"side_effects"`
	CreatedAt       string  `json:"created_at"`
}

type LifecycleView struct {
	ProposalID     string   `json:"proposal_id"`
	TargetVersion  string   `json:"target_version"`
	State          string   `json:"state"`
	Reason         string   `json:"reason,omitempty"`
	RiskScore      *float64 `json:"risk_score,omitempty"`
	RiskLevel      string   `json:"risk_level,omitempty"`
	EnteredStateAt string   `json:"entered_state_at"`
}

func NewDetailView(d pipeline.Detail) DetailView {
	view := DetailView{
		ProposalID:     d.Proposal.ID,
		TargetVersion:  d.Proposal.TargetVersion,
		Kind:           string(d.Proposal.Kind),
		State:          string(d.State),
		Reason:         d.Reason,
		RiskScore:      d.RiskScore,
		RiskLevel:      d.RiskLevel,
		EnteredStateAt: d.EnteredStateAt,
		ResubmissionOf: d.Proposal.ResubmissionOf,
		Provenance:     d.Proposal.Provenance,
		Payload:        d.Proposal.Payload,
		MissingRoles:   d.MissingRoles,
	}
	if r := d.Report; r != nil {
		view.Report = &ReportView{
			ReportID:        r.ID,
			Verdict:         string(r.Verdict),
			RiskScore:       r.RiskScore,
			RiskLevel:       string(r.RiskLevel),
			SubScores:       r.SubScores,
			PerfDelta:       r.PerfDelta,
			MigrationRows:   r.MigrationRows,
			QueriesSampled:  r.QueriesSampled,
			WeightsVersion:  r.WeightsVersion,
			BreakingChanges: r.BreakingChanges,
			ClassDeltas:     r.ClassDeltas,
		}
	}
	if d.Policy != nil {
		view.RequiredRoles = d.Policy.RequiredRoles
	}
	for _, dec := range d.Decisions {
		view.Decisions = append(view.Decisions, DecisionView{
			Reviewer:  dec.Reviewer,
			Role:      dec.Role,
			Verdict:   string(dec.Verdict),
			Comment:   dec.Comment,
			DecidedAt: ports.FormatTime(dec.DecidedAt),
		})
	}
	if dep := d.Deployment; dep != nil {
		view.Deployment = &DeploymentView{
			DeploymentID:      dep.DeploymentID,
			Attempt:           dep.Attempt,
			Stage:             dep.Stage,
			Outcome:           dep.Outcome,
			RollbackReason:    dep.RollbackReason,
			StartedAt:         dep.StartedAt,
			ClosedAt:          dep.ClosedAt,
			TrafficRevertedAt: dep.TrafficRevertedAt,
			SchemaRevertedAt:  dep.SchemaRevertedAt,
			Samples:           len(d.Samples),
		}
	}
	if fb := d.Feedback; fb != nil {
		view.Feedback = &FeedbackView{
			PredictedDelta:  fb.PredictedDelta,
			ObservedDelta:   fb.ObservedDelta,
			PredictionError: fb.PredictionError,
			ErrorRateDelta:  fb.ErrorRateDelta,
			SideEffects:     fb.SideEffectsJSON,
			CreatedAt:       fb.CreatedAt,
		}
	}
	for _, tr := range d.History {
		view.History = append(view.History, TransitionView{
			From:   tr.FromState,
			To:     tr.ToState,
			Reason: tr.Reason,
			Actor:  tr.Actor,
			At:     tr.CreatedAt,
		})
	}
	return view
}

func NewLifecycleView(lc ports.LifecycleRecord) LifecycleView {
	return LifecycleView{
		ProposalID:     lc.ProposalID,
		TargetVersion:  lc.TargetVersion,
		State:          lc.State,
		Reason:         lc.Reason,
		RiskScore:      lc.RiskScore,
		RiskLevel:      lc.RiskLevel,
		EnteredStateAt: lc.EnteredStateAt,
	}
}

type WeightsView struct {
	Version     uint64  `json:"version"`
	Breaking    float64 `json:"breaking"`
	Performance float64 `json:"performance"`
	Migration   float64 `json:"migration"`
	Kind        float64 `json:"kind"`
	Source      string  `json:"source"`
	CreatedBy   string  `json:"created_by,omitempty"`
	CreatedAt   string  `json:"created_at,omitempty"`
}

func NewWeightsView(w ports.RiskWeightsRecord) WeightsView {
	return WeightsView{
		Version:     w.Version,
		Breaking:    w.Breaking,
		Performance: w.Performance,
		Migration:   w.Migration,
		Kind:        w.Kind,
		Source:      w.Source,
		CreatedBy:   w.CreatedBy,
		CreatedAt:   w.CreatedAt,
	}
}

type RecalibrationView struct {
	DryRun   bool              `json:"dry_run"`
	Records  int               `json:"records"`
	Average  domain.Adjustment `json:"average_adjustment"`
	Previous WeightsView       `json:"previous"`
	Next     WeightsView       `json:"next"`
}

func NewRecalibrationView(r pipeline.Recalibration) RecalibrationView {
	return RecalibrationView{
		DryRun:   r.DryRun,
		Records:  r.Records,
		Average:  r.Average,
		Previous: NewWeightsView(r.Previous),
		Next:     NewWeightsView(r.Next),
	}
}
