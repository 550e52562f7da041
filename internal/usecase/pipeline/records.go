package pipeline

import (
	"encoding/json"

	domain "schemapilot/internal/domain/pipeline"
	"schemapilot/internal/errs"
	"schemapilot/internal/ports"
)

func reportToRecord(report domain.ImpactReport) (ports.ImpactReportRecord, error) {
	breaking := report.BreakingChanges
	if breaking == nil {
		breaking = []domain.BreakingChange{}
	}
	breakingJSON, err := json.Marshal(breaking)
	if err != nil {
		return ports.ImpactReportRecord{}, errs.Wrap(err, "encode breaking changes")
	}
	classes := report.ClassDeltas
	if classes == nil {
		classes = []domain.ClassDelta{}
	}
	classesJSON, err := json.Marshal(classes)
	if err != nil {
		return ports.ImpactReportRecord{}, errs.Wrap(err, "encode class deltas")
	}
	return ports.ImpactReportRecord{
		ProposalID:       report.ProposalID,
		Verdict:          string(report.Verdict),
		BreakingJSON:     string(breakingJSON),
		PerfDelta:        report.PerfDelta,
		ClassDeltasJSON:  string(classesJSON),
		MigrationRows:    report.MigrationRows,
		BreakingScore:    report.SubScores.Breaking,
		PerformanceScore: report.SubScores.Performance,
		MigrationScore:   report.SubScores.Migration,
		KindScore:        report.SubScores.Kind,
		RiskScore:        report.RiskScore,
		RiskLevel:        string(report.RiskLevel),
		WeightsVersion:   report.WeightsVersion,
		QueriesSampled:   report.QueriesSampled,
		CreatedAt:        ports.FormatTime(report.CreatedAt),
	}, nil
}

func reportFromRecord(record ports.ImpactReportRecord) (domain.ImpactReport, error) {
	var breaking []domain.BreakingChange
	if record.BreakingJSON != "" {
		if err := json.Unmarshal([]byte(record.BreakingJSON), &breaking); err != nil {
			return domain.ImpactReport{}, errs.Wrapf(err, "decode breaking changes of report %d", record.ReportID)
		}
	}
	var classes []domain.ClassDelta
	if record.ClassDeltasJSON != "" {
		if err := json.Unmarshal([]byte(record.ClassDeltasJSON), &classes); err != nil {
			return domain.ImpactReport{}, errs.Wrapf(err, "decode class deltas of report %d", record.ReportID)
		}
	}
	createdAt, err := ports.ParseTime(record.CreatedAt)
	if err != nil {
		return domain.ImpactReport{}, errs.Wrapf(err, "parse created_at of report %d", record.ReportID)
	}
	return domain.ImpactReport{
		ID:              record.ReportID,
		ProposalID:      record.ProposalID,
		Verdict:         domain.Verdict(record.Verdict),
		BreakingChanges: breaking,
		PerfDelta:       record.PerfDelta,
		ClassDeltas:     classes,
		MigrationRows:   record.MigrationRows,
		SubScores: domain.SubScores{
			Breaking:    record.BreakingScore,
			Performance: record.PerformanceScore,
			Migration:   record.MigrationScore,
			Kind:        record.KindScore,
		},
		RiskScore:      record.RiskScore,
		RiskLevel:      domain.RiskLevel(record.RiskLevel),
		WeightsVersion: record.WeightsVersion,
		QueriesSampled: record.QueriesSampled,
		CreatedAt:      createdAt,
	}, nil
}

func decisionFromRecord(record ports.ApprovalDecisionRecord) domain.Decision {
	decidedAt, _ := ports.ParseTime(record.DecidedAt)
	return domain.Decision{
		Reviewer:  record.Reviewer,
		Role:      record.Role,
		Verdict:   domain.DecisionVerdict(record.Verdict),
		Comment:   record.Comment,
		DecidedAt: decidedAt,
	}
}

func weightsFromRecord(record ports.RiskWeightsRecord) domain.Weights {
	return domain.Weights{
		Breaking:    record.Breaking,
		Performance: record.Performance,
		Migration:   record.Migration,
		Kind:        record.Kind,
	}
}

func feedbackToRecord(report domain.FeedbackReport) (ports.FeedbackReportRecord, error) {
	effects := report.SideEffects
	if effects == nil {
		effects = []string{}
	}
	raw, err := json.Marshal(effects)
	if err != nil {
		return ports.FeedbackReportRecord{}, errs.Wrap(err, "encode side effects")
	}
	return ports.FeedbackReportRecord{
		ProposalID:      report.ProposalID,
		DeploymentID:    report.DeploymentID,
		PredictedDelta:  report.PredictedDelta,
		ObservedDelta:   report.ObservedDelta,
		PredictionError: report.PredictionError,
		ErrorRateDelta:  report.ErrorRateDelta,
		SideEffectsJSON: string(raw),
		AdjBreaking:     report.Adjustment.Breaking,
		AdjPerformance:  report.Adjustment.Performance,
		AdjMigration:    report.Adjustment.Migration,
		AdjKind:         report.Adjustment.Kind,
		CreatedAt:       ports.FormatTime(report.CreatedAt),
	}, nil
}

func adjustmentFromRecord(record ports.FeedbackReportRecord) domain.Adjustment {
	return domain.Adjustment{
		Breaking:    record.AdjBreaking,
		Performance: record.AdjPerformance,
		Migration:   record.AdjMigration,
		Kind:        record.AdjKind,
	}
}
