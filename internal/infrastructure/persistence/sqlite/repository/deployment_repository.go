package repository

import (
	"context"
	"strings"

	"gorm.io/gorm/clause"

	"schemapilot/internal/errs"
	"schemapilot/internal/infrastructure/persistence/sqlite/model"
	"schemapilot/internal/ports"
)

func (r *PipelineRepository) UpsertApprovalDecision(ctx context.Context, decision ports.ApprovalDecisionRecord) error {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return err
	}

	row := model.ApprovalDecision{
		ProposalID: decision.ProposalID,
		Reviewer:   decision.Reviewer,
		Role:       decision.Role,
		Verdict:    decision.Verdict,
		Comment:    decision.Comment,
		DecidedAt:  decision.DecidedAt,
	}
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "proposal_id"}, {Name: "reviewer"}},
		DoUpdates: clause.AssignmentColumns([]string{"role", "verdict", "comment", "decided_at"}),
	}).Create(&row).Error; err != nil {
		return errs.Wrap(err, "upsert approval decision")
	}
	return nil
}

func (r *PipelineRepository) ListApprovalDecisions(ctx context.Context, proposalID string) ([]ports.ApprovalDecisionRecord, error) {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return nil, err
	}

	var rows []model.ApprovalDecision
	if err := db.Where("proposal_id = ?", proposalID).Order("decision_id asc").Find(&rows).Error; err != nil {
		return nil, errs.Wrap(err, "query approval decisions")
	}

	items := make([]ports.ApprovalDecisionRecord, 0, len(rows))
	for _, row := range rows {
		items = append(items, ports.ApprovalDecisionRecord{
			ProposalID: row.ProposalID,
			Reviewer:   row.Reviewer,
			Role:       row.Role,
			Verdict:    row.Verdict,
			Comment:    row.Comment,
			DecidedAt:  row.DecidedAt,
		})
	}
	return items, nil
}

func (r *PipelineRepository) CreateDeployment(ctx context.Context, deployment ports.DeploymentRecord) (ports.DeploymentRecord, error) {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return ports.DeploymentRecord{}, err
	}

	row := toDeploymentModel(deployment)
	row.DeploymentID = 0
	if err := db.Create(&row).Error; err != nil {
		return ports.DeploymentRecord{}, errs.Wrap(err, "insert deployment")
	}
	return mapDeployment(row), nil
}

// UpdateDeployment writes every mutable column. Timestamps left empty stay NULL.
func (r *PipelineRepository) UpdateDeployment(ctx context.Context, deployment ports.DeploymentRecord) error {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return err
	}

	row := toDeploymentModel(deployment)
	result := db.Model(&model.Deployment{}).
		Where("deployment_id = ?", deployment.DeploymentID).
		Updates(map[string]any{
			"stage":               row.Stage,
			"outcome":             row.Outcome,
			"rollback_reason":     row.RollbackReason,
			"baseline_error_rate": row.BaselineErrorRate,
			"baseline_p95_ms":     row.BaselineP95Ms,
			"migration_job_id":    row.MigrationJobID,
			"closed_at":           row.ClosedAt,
			"traffic_reverted_at": row.TrafficRevertedAt,
			"schema_reverted_at":  row.SchemaRevertedAt,
		})
	if result.Error != nil {
		return errs.Wrap(result.Error, "update deployment")
	}
	if result.RowsAffected == 0 {
		return errs.Wrapf(ports.ErrRecordNotFound, "update deployment %d", deployment.DeploymentID)
	}
	return nil
}

func (r *PipelineRepository) GetDeployment(ctx context.Context, deploymentID uint64) (ports.DeploymentRecord, error) {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return ports.DeploymentRecord{}, err
	}

	var row model.Deployment
	if err := db.Where("deployment_id = ?", deploymentID).Take(&row).Error; err != nil {
		return ports.DeploymentRecord{}, notFound(err, "deployment")
	}
	return mapDeployment(row), nil
}

func (r *PipelineRepository) GetLatestDeployment(ctx context.Context, proposalID string) (ports.DeploymentRecord, error) {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return ports.DeploymentRecord{}, err
	}

	var row model.Deployment
	if err := db.Where("proposal_id = ?", proposalID).Order("deployment_id desc").Take(&row).Error; err != nil {
		return ports.DeploymentRecord{}, notFound(err, "deployment")
	}
	return mapDeployment(row), nil
}

func (r *PipelineRepository) AppendHealthSample(ctx context.Context, sample ports.HealthSampleRecord) error {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return err
	}

	row := model.HealthSample{
		DeploymentID: sample.DeploymentID,
		Seq:          sample.Seq,
		Stage:        sample.Stage,
		ErrorRate:    sample.ErrorRate,
		P95Ms:        sample.P95Ms,
		SampledAt:    sample.SampledAt,
	}
	if err := db.Create(&row).Error; err != nil {
		return errs.Wrap(err, "insert health sample")
	}
	return nil
}

func (r *PipelineRepository) ListHealthSamples(ctx context.Context, deploymentID uint64) ([]ports.HealthSampleRecord, error) {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return nil, err
	}

	var rows []model.HealthSample
	if err := db.Where("deployment_id = ?", deploymentID).Order("seq asc").Find(&rows).Error; err != nil {
		return nil, errs.Wrap(err, "query health samples")
	}

	items := make([]ports.HealthSampleRecord, 0, len(rows))
	for _, row := range rows {
		items = append(items, ports.HealthSampleRecord{
			DeploymentID: row.DeploymentID,
			Seq:          row.Seq,
			Stage:        row.Stage,
			ErrorRate:    row.ErrorRate,
			P95Ms:        row.P95Ms,
			SampledAt:    row.SampledAt,
		})
	}
	return items, nil
}

func (r *PipelineRepository) CreateAbortRequest(ctx context.Context, request ports.AbortRequestRecord) (ports.AbortRequestRecord, error) {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return ports.AbortRequestRecord{}, err
	}

	row := model.AbortRequest{
		ProposalID:  request.ProposalID,
		Actor:       request.Actor,
		Reason:      request.Reason,
		RequestedAt: request.RequestedAt,
	}
	if err := db.Create(&row).Error; err != nil {
		return ports.AbortRequestRecord{}, errs.Wrap(err, "insert abort request")
	}
	request.AbortID = row.AbortID
	request.HandledAt = ""
	return request, nil
}

// GetPendingAbort returns the oldest unhandled abort request of the proposal.
func (r *PipelineRepository) GetPendingAbort(ctx context.Context, proposalID string) (ports.AbortRequestRecord, error) {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return ports.AbortRequestRecord{}, err
	}

	var row model.AbortRequest
	if err := db.Where("proposal_id = ? AND handled_at IS NULL", proposalID).
		Order("abort_id asc").
		Take(&row).Error; err != nil {
		return ports.AbortRequestRecord{}, notFound(err, "abort request")
	}
	return ports.AbortRequestRecord{
		AbortID:     row.AbortID,
		ProposalID:  row.ProposalID,
		Actor:       row.Actor,
		Reason:      row.Reason,
		RequestedAt: row.RequestedAt,
	}, nil
}

func (r *PipelineRepository) MarkAbortHandled(ctx context.Context, abortID uint64, handledAt string) error {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return err
	}

	if err := db.Model(&model.AbortRequest{}).
		Where("abort_id = ? AND handled_at IS NULL", abortID).
		Update("handled_at", handledAt).Error; err != nil {
		return errs.Wrap(err, "mark abort handled")
	}
	return nil
}

func optionalTime(raw string) *string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	return &raw
}

func derefTime(raw *string) string {
	if raw == nil {
		return ""
	}
	return *raw
}

func toDeploymentModel(d ports.DeploymentRecord) model.Deployment {
	return model.Deployment{
		DeploymentID:      d.DeploymentID,
		ProposalID:        d.ProposalID,
		TargetVersion:     d.TargetVersion,
		Attempt:           d.Attempt,
		Stage:             d.Stage,
		Outcome:           d.Outcome,
		RollbackReason:    d.RollbackReason,
		BaselineErrorRate: d.BaselineErrorRate,
		BaselineP95Ms:     d.BaselineP95Ms,
		MigrationJobID:    d.MigrationJobID,
		StartedAt:         d.StartedAt,
		ClosedAt:          optionalTime(d.ClosedAt),
		TrafficRevertedAt: optionalTime(d.TrafficRevertedAt),
		SchemaRevertedAt:  optionalTime(d.SchemaRevertedAt),
	}
}

func mapDeployment(row model.Deployment) ports.DeploymentRecord {
	return ports.DeploymentRecord{
		DeploymentID:      row.DeploymentID,
		ProposalID:        row.ProposalID,
		TargetVersion:     row.TargetVersion,
		Attempt:           row.Attempt,
		Stage:             row.Stage,
		Outcome:           row.Outcome,
		RollbackReason:    row.RollbackReason,
		BaselineErrorRate: row.BaselineErrorRate,
		BaselineP95Ms:     row.BaselineP95Ms,
		MigrationJobID:    row.MigrationJobID,
		StartedAt:         row.StartedAt,
		ClosedAt:          derefTime(row.ClosedAt),
		TrafficRevertedAt: derefTime(row.TrafficRevertedAt),
		SchemaRevertedAt:  derefTime(row.SchemaRevertedAt),
	}
}
