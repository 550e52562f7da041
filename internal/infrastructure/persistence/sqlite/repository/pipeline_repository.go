package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"schemapilot/internal/errs"
	"schemapilot/internal/infrastructure/persistence/sqlite/model"
	"schemapilot/internal/ports"
)

type PipelineRepository struct {
	db *gorm.DB
}

var _ ports.PipelineRepository = (*PipelineRepository)(nil)

func NewPipelineRepository(db *gorm.DB) *PipelineRepository {
	return &PipelineRepository{db: db}
}

func (r *PipelineRepository) dbFromContext(ctx context.Context) (*gorm.DB, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}

	tx := ports.TxFromContext(ctx)
	if tx == nil {
		return r.db.WithContext(ctx), nil
	}

	gormTx, ok := tx.(*gorm.DB)
	if !ok || gormTx == nil {
		return nil, fmt.Errorf("invalid tx in context: %T", tx)
	}
	return gormTx.WithContext(ctx), nil
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, ports.ErrRecordNotFound)
	}
	return errs.Wrap(err, "query "+what)
}

func jsonOrEmpty(raw string, empty string) datatypes.JSON {
	if strings.TrimSpace(raw) == "" {
		return datatypes.JSON(empty)
	}
	return datatypes.JSON(raw)
}

func (r *PipelineRepository) CreateProposal(ctx context.Context, proposal ports.ProposalRecord) error {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return err
	}

	row := model.Proposal{
		ProposalID:    proposal.ProposalID,
		TargetVersion: proposal.TargetVersion,
		Kind:          proposal.Kind,
		Payload:       jsonOrEmpty(proposal.PayloadJSON, "{}"),
		ProducedBy:    proposal.ProducedBy,
		ProducedVia:   proposal.ProducedVia,
		Rationale:     proposal.Rationale,
		ProducedAt:    proposal.ProducedAt,
		CreatedAt:     proposal.CreatedAt,
	}
	if ref := strings.TrimSpace(proposal.ResubmissionOf); ref != "" {
		row.ResubmissionOf = &ref
	}
	if err := db.Create(&row).Error; err != nil {
		return errs.Wrap(err, "insert proposal")
	}
	return nil
}

func (r *PipelineRepository) GetProposal(ctx context.Context, proposalID string) (ports.ProposalRecord, error) {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return ports.ProposalRecord{}, err
	}

	var row model.Proposal
	if err := db.Where("proposal_id = ?", proposalID).Take(&row).Error; err != nil {
		return ports.ProposalRecord{}, notFound(err, "proposal")
	}

	out := ports.ProposalRecord{
		ProposalID:    row.ProposalID,
		TargetVersion: row.TargetVersion,
		Kind:          row.Kind,
		PayloadJSON:   string(row.Payload),
		ProducedBy:    row.ProducedBy,
		ProducedVia:   row.ProducedVia,
		Rationale:     row.Rationale,
		ProducedAt:    row.ProducedAt,
		CreatedAt:     row.CreatedAt,
	}
	if row.ResubmissionOf != nil {
		out.ResubmissionOf = *row.ResubmissionOf
	}
	return out, nil
}

func (r *PipelineRepository) CreateLifecycle(ctx context.Context, lifecycle ports.LifecycleRecord) error {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return err
	}

	row := model.Lifecycle{
		ProposalID:     lifecycle.ProposalID,
		TargetVersion:  lifecycle.TargetVersion,
		State:          lifecycle.State,
		Reason:         lifecycle.Reason,
		RiskScore:      lifecycle.RiskScore,
		RiskLevel:      lifecycle.RiskLevel,
		ReportID:       lifecycle.ReportID,
		EnteredStateAt: lifecycle.EnteredStateAt,
		CreatedAt:      lifecycle.CreatedAt,
		UpdatedAt:      lifecycle.UpdatedAt,
	}
	if err := db.Create(&row).Error; err != nil {
		return errs.Wrap(err, "insert lifecycle")
	}
	return nil
}

func (r *PipelineRepository) GetLifecycle(ctx context.Context, proposalID string) (ports.LifecycleRecord, error) {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return ports.LifecycleRecord{}, err
	}

	var row model.Lifecycle
	if err := db.Where("proposal_id = ?", proposalID).Take(&row).Error; err != nil {
		return ports.LifecycleRecord{}, notFound(err, "lifecycle")
	}
	return mapLifecycle(row), nil
}

func (r *PipelineRepository) ListLifecycles(ctx context.Context, filter ports.LifecycleFilter) ([]ports.LifecycleRecord, error) {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return nil, err
	}

	query := db.Model(&model.Lifecycle{})
	if len(filter.States) > 0 {
		query = query.Where("state IN ?", filter.States)
	}
	if version := strings.TrimSpace(filter.TargetVersion); version != "" {
		query = query.Where("target_version = ?", version)
	}
	if before := strings.TrimSpace(filter.EnteredBefore); before != "" {
		query = query.Where("entered_state_at < ?", before)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var rows []model.Lifecycle
	if err := query.Order("entered_state_at asc").Order("proposal_id asc").Find(&rows).Error; err != nil {
		return nil, errs.Wrap(err, "query lifecycles")
	}

	items := make([]ports.LifecycleRecord, 0, len(rows))
	for _, row := range rows {
		items = append(items, mapLifecycle(row))
	}
	return items, nil
}

// TransitionLifecycle performs the conditional state update and appends the audit row.
// Callers run it inside a unit of work so both writes commit together.
func (r *PipelineRepository) TransitionLifecycle(ctx context.Context, input ports.LifecycleTransition) error {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return err
	}

	updates := map[string]any{
		"state":            input.To,
		"reason":           input.Reason,
		"entered_state_at": input.At,
		"updated_at":       input.At,
	}
	if input.RiskScore != nil {
		updates["risk_score"] = *input.RiskScore
	}
	if input.RiskLevel != "" {
		updates["risk_level"] = input.RiskLevel
	}
	if input.ReportID != nil {
		updates["report_id"] = *input.ReportID
	}

	result := db.Model(&model.Lifecycle{}).
		Where("proposal_id = ? AND state = ?", input.ProposalID, input.From).
		Updates(updates)
	if result.Error != nil {
		return errs.Wrap(result.Error, "update lifecycle state")
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s expected %s", ports.ErrStaleState, input.ProposalID, input.From)
	}

	audit := model.LifecycleTransition{
		ProposalID: input.ProposalID,
		FromState:  input.From,
		ToState:    input.To,
		Reason:     input.Reason,
		Actor:      input.Actor,
		CreatedAt:  input.At,
	}
	if err := db.Create(&audit).Error; err != nil {
		return errs.Wrap(err, "insert lifecycle transition")
	}
	return nil
}

func (r *PipelineRepository) ListTransitions(ctx context.Context, proposalID string) ([]ports.TransitionRecord, error) {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return nil, err
	}

	var rows []model.LifecycleTransition
	if err := db.Where("proposal_id = ?", proposalID).Order("transition_id asc").Find(&rows).Error; err != nil {
		return nil, errs.Wrap(err, "query lifecycle transitions")
	}

	items := make([]ports.TransitionRecord, 0, len(rows))
	for _, row := range rows {
		items = append(items, ports.TransitionRecord{
			TransitionID: row.TransitionID,
			ProposalID:   row.ProposalID,
			FromState:    row.FromState,
			ToState:      row.ToState,
			Reason:       row.Reason,
			Actor:        row.Actor,
			CreatedAt:    row.CreatedAt,
		})
	}
	return items, nil
}

func (r *PipelineRepository) CountSlotHolders(ctx context.Context, targetVersion string) (int64, error) {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return 0, err
	}

	var count int64
	if err := db.Model(&model.Lifecycle{}).
		Where("target_version = ? AND state IN ?", targetVersion, []string{"deploying", "monitoring"}).
		Count(&count).Error; err != nil {
		return 0, errs.Wrap(err, "count deployment slot holders")
	}
	return count, nil
}

func (r *PipelineRepository) CreateImpactReport(ctx context.Context, report ports.ImpactReportRecord) (ports.ImpactReportRecord, error) {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return ports.ImpactReportRecord{}, err
	}

	row := model.ImpactReport{
		ProposalID:       report.ProposalID,
		Verdict:          report.Verdict,
		BreakingChanges:  jsonOrEmpty(report.BreakingJSON, "[]"),
		PerfDelta:        report.PerfDelta,
		ClassDeltas:      jsonOrEmpty(report.ClassDeltasJSON, "[]"),
		MigrationRows:    report.MigrationRows,
		BreakingScore:    report.BreakingScore,
		PerformanceScore: report.PerformanceScore,
		MigrationScore:   report.MigrationScore,
		KindScore:        report.KindScore,
		RiskScore:        report.RiskScore,
		RiskLevel:        report.RiskLevel,
		WeightsVersion:   report.WeightsVersion,
		QueriesSampled:   report.QueriesSampled,
		CreatedAt:        report.CreatedAt,
	}
	if err := db.Create(&row).Error; err != nil {
		return ports.ImpactReportRecord{}, errs.Wrap(err, "insert impact report")
	}
	return mapImpactReport(row), nil
}

func (r *PipelineRepository) GetImpactReport(ctx context.Context, reportID uint64) (ports.ImpactReportRecord, error) {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return ports.ImpactReportRecord{}, err
	}

	var row model.ImpactReport
	if err := db.Where("report_id = ?", reportID).Take(&row).Error; err != nil {
		return ports.ImpactReportRecord{}, notFound(err, "impact report")
	}
	return mapImpactReport(row), nil
}

func (r *PipelineRepository) ListImpactReports(ctx context.Context, proposalID string) ([]ports.ImpactReportRecord, error) {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return nil, err
	}

	var rows []model.ImpactReport
	if err := db.Where("proposal_id = ?", proposalID).Order("report_id asc").Find(&rows).Error; err != nil {
		return nil, errs.Wrap(err, "query impact reports")
	}

	items := make([]ports.ImpactReportRecord, 0, len(rows))
	for _, row := range rows {
		items = append(items, mapImpactReport(row))
	}
	return items, nil
}

func mapLifecycle(row model.Lifecycle) ports.LifecycleRecord {
	return ports.LifecycleRecord{
		ProposalID:     row.ProposalID,
		TargetVersion:  row.TargetVersion,
		State:          row.State,
		Reason:         row.Reason,
		RiskScore:      row.RiskScore,
		RiskLevel:      row.RiskLevel,
		ReportID:       row.ReportID,
		EnteredStateAt: row.EnteredStateAt,
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}
}

func mapImpactReport(row model.ImpactReport) ports.ImpactReportRecord {
	return ports.ImpactReportRecord{
		ReportID:         row.ReportID,
		ProposalID:       row.ProposalID,
		Verdict:          row.Verdict,
		BreakingJSON:     string(row.BreakingChanges),
		PerfDelta:        row.PerfDelta,
		ClassDeltasJSON:  string(row.ClassDeltas),
		MigrationRows:    row.MigrationRows,
		BreakingScore:    row.BreakingScore,
		PerformanceScore: row.PerformanceScore,
		MigrationScore:   row.MigrationScore,
		KindScore:        row.KindScore,
		RiskScore:        row.RiskScore,
		RiskLevel:        row.RiskLevel,
		WeightsVersion:   row.WeightsVersion,
		QueriesSampled:   row.QueriesSampled,
		CreatedAt:        row.CreatedAt,
	}
}
