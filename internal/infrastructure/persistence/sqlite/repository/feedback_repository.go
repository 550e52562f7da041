package repository

import (
	"context"

	"gorm.io/gorm/clause"

	"schemapilot/internal/errs"
	"schemapilot/internal/infrastructure/persistence/sqlite/model"
	"schemapilot/internal/ports"
)

// CreateFeedbackReport inserts the report unless one already exists for the proposal.
// The bool reports whether a row was written.
func (r *PipelineRepository) CreateFeedbackReport(ctx context.Context, report ports.FeedbackReportRecord) (bool, error) {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return false, err
	}

	row := model.FeedbackReport{
		ProposalID:      report.ProposalID,
		DeploymentID:    report.DeploymentID,
		PredictedDelta:  report.PredictedDelta,
		ObservedDelta:   report.ObservedDelta,
		PredictionError: report.PredictionError,
		ErrorRateDelta:  report.ErrorRateDelta,
		SideEffects:     jsonOrEmpty(report.SideEffectsJSON, "[]"),
		AdjBreaking:     report.AdjBreaking,
		AdjPerformance:  report.AdjPerformance,
		AdjMigration:    report.AdjMigration,
		AdjKind:         report.AdjKind,
		CreatedAt:       report.CreatedAt,
	}
	result := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if result.Error != nil {
		return false, errs.Wrap(result.Error, "insert feedback report")
	}
	return result.RowsAffected > 0, nil
}

func (r *PipelineRepository) GetFeedbackReport(ctx context.Context, proposalID string) (ports.FeedbackReportRecord, error) {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return ports.FeedbackReportRecord{}, err
	}

	var row model.FeedbackReport
	if err := db.Where("proposal_id = ?", proposalID).Take(&row).Error; err != nil {
		return ports.FeedbackReportRecord{}, notFound(err, "feedback report")
	}
	return mapFeedback(row), nil
}

func (r *PipelineRepository) ListUnappliedFeedback(ctx context.Context) ([]ports.FeedbackReportRecord, error) {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return nil, err
	}

	var rows []model.FeedbackReport
	if err := db.Where("applied_in_version IS NULL").Order("feedback_id asc").Find(&rows).Error; err != nil {
		return nil, errs.Wrap(err, "query unapplied feedback")
	}

	items := make([]ports.FeedbackReportRecord, 0, len(rows))
	for _, row := range rows {
		items = append(items, mapFeedback(row))
	}
	return items, nil
}

func (r *PipelineRepository) MarkFeedbackApplied(ctx context.Context, feedbackIDs []uint64, version uint64) error {
	if len(feedbackIDs) == 0 {
		return nil
	}
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return err
	}

	if err := db.Model(&model.FeedbackReport{}).
		Where("feedback_id IN ? AND applied_in_version IS NULL", feedbackIDs).
		Update("applied_in_version", version).Error; err != nil {
		return errs.Wrap(err, "mark feedback applied")
	}
	return nil
}

func (r *PipelineRepository) CreateRiskWeights(ctx context.Context, weights ports.RiskWeightsRecord) (ports.RiskWeightsRecord, error) {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return ports.RiskWeightsRecord{}, err
	}

	row := model.RiskWeights{
		Breaking:    weights.Breaking,
		Performance: weights.Performance,
		Migration:   weights.Migration,
		Kind:        weights.Kind,
		Source:      weights.Source,
		Note:        weights.Note,
		CreatedBy:   weights.CreatedBy,
		CreatedAt:   weights.CreatedAt,
	}
	if err := db.Create(&row).Error; err != nil {
		return ports.RiskWeightsRecord{}, errs.Wrap(err, "insert risk weights")
	}
	return mapWeights(row), nil
}

func (r *PipelineRepository) GetLatestRiskWeights(ctx context.Context) (ports.RiskWeightsRecord, error) {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return ports.RiskWeightsRecord{}, err
	}

	var row model.RiskWeights
	if err := db.Order("version desc").Take(&row).Error; err != nil {
		return ports.RiskWeightsRecord{}, notFound(err, "risk weights")
	}
	return mapWeights(row), nil
}

func mapFeedback(row model.FeedbackReport) ports.FeedbackReportRecord {
	return ports.FeedbackReportRecord{
		FeedbackID:       row.FeedbackID,
		ProposalID:       row.ProposalID,
		DeploymentID:     row.DeploymentID,
		PredictedDelta:   row.PredictedDelta,
		ObservedDelta:    row.ObservedDelta,
		PredictionError:  row.PredictionError,
		ErrorRateDelta:   row.ErrorRateDelta,
		SideEffectsJSON:  string(row.SideEffects),
		AdjBreaking:      row.AdjBreaking,
		AdjPerformance:   row.AdjPerformance,
		AdjMigration:     row.AdjMigration,
		AdjKind:          row.AdjKind,
		AppliedInVersion: row.AppliedInVersion,
		CreatedAt:        row.CreatedAt,
	}
}

func mapWeights(row model.RiskWeights) ports.RiskWeightsRecord {
	return ports.RiskWeightsRecord{
		Version:     row.Version,
		Breaking:    row.Breaking,
		Performance: row.Performance,
		Migration:   row.Migration,
		Kind:        row.Kind,
		Source:      row.Source,
		Note:        row.Note,
		CreatedBy:   row.CreatedBy,
		CreatedAt:   row.CreatedAt,
	}
}
