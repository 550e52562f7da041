package model

import "gorm.io/datatypes"

type ImpactReport struct {
	ReportID         uint64         `gorm:"column:report_id;primaryKey;autoIncrement"`
	ProposalID       string         `gorm:"column:proposal_id;type:varchar(64);not null;index"`
	Verdict          string         `gorm:"column:verdict;type:varchar(16);not null"`
	BreakingChanges  datatypes.JSON `gorm:"column:breaking_json;not null"`
	PerfDelta        float64        `gorm:"column:perf_delta;not null"`
	ClassDeltas      datatypes.JSON `gorm:"column:class_deltas_json;not null"`
	MigrationRows    int64          `gorm:"column:migration_rows;not null"`
	BreakingScore    float64        `gorm:"column:breaking_score;not null"`
	PerformanceScore float64        `gorm:"column:performance_score;not null"`
	MigrationScore   float64        `gorm:"column:migration_score;not null"`
	KindScore        float64        `gorm:"column:kind_score;not null"`
	RiskScore        float64        `gorm:"column:risk_score;not null"`
	RiskLevel        string         `gorm:"column:risk_level;type:varchar(16);not null"`
	WeightsVersion   uint64         `gorm:"column:weights_version;not null"`
	QueriesSampled   int            `gorm:"column:queries_sampled;not null"`
	CreatedAt        string         `gorm:"column:created_at;type:varchar(40);not null"`
}

func (ImpactReport) TableName() string {
	return "impact_reports"
}
