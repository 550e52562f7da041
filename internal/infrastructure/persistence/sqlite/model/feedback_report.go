package model

import "gorm.io/datatypes"

type FeedbackReport struct {
	FeedbackID       uint64         `gorm:"column:feedback_id;primaryKey;autoIncrement"`
	ProposalID       string         `gorm:"column:proposal_id;type:varchar(64);not null;uniqueIndex"`
	DeploymentID     uint64         `gorm:"column:deployment_id;not null;uniqueIndex"`
	PredictedDelta   float64        `gorm:"column:predicted_delta;not null"`
	ObservedDelta    float64        `gorm:"column:observed_delta;not null"`
	PredictionError  float64        `gorm:"column:prediction_error;not null"`
	ErrorRateDelta   float64        `gorm:"column:error_rate_delta;not null"`
	SideEffects      datatypes.JSON `gorm:"column:side_effects_json;not null"`
	AdjBreaking      float64        `gorm:"column:adj_breaking;not null"`
	AdjPerformance   float64        `gorm:"column:adj_performance;not null"`
	AdjMigration     float64        `gorm:"column:adj_migration;not null"`
	AdjKind          float64        `gorm:"column:adj_kind;not null"`
	AppliedInVersion *uint64        `gorm:"column:applied_in_version;index"`
	CreatedAt        string         `gorm:"column:created_at;type:varchar(40);not null"`
}

func (FeedbackReport) TableName() string {
	return "feedback_reports"
}

type RiskWeights struct {
	Version     uint64  `gorm:"column:version;primaryKey;autoIncrement"`
	Breaking    float64 `gorm:"column:breaking;not null"`
	Performance float64 `gorm:"column:performance;not null"`
	Migration   float64 `gorm:"column:migration;not null"`
	Kind        float64 `gorm:"column:kind;not null"`
	Source      string  `gorm:"column:source;type:varchar(32);not null"`
	Note        string  `gorm:"column:note;type:text;not null;default:''"`
	CreatedBy   string  `gorm:"column:created_by;type:varchar(128);not null;default:''"`
	CreatedAt   string  `gorm:"column:created_at;type:varchar(40);not null"`
}

func (RiskWeights) TableName() string {
	return "risk_weights"
}
