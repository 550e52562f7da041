package model

type Deployment struct {
	DeploymentID      uint64  `gorm:"column:deployment_id;primaryKey;autoIncrement"`
	ProposalID        string  `gorm:"column:proposal_id;type:varchar(64);not null;index"`
	TargetVersion     string  `gorm:"column:target_version;type:varchar(128);not null;index"`
	Attempt           int     `gorm:"column:attempt;not null"`
	Stage             int     `gorm:"column:stage;not null;default:0"`
	Outcome           string  `gorm:"column:outcome;type:varchar(16);not null;default:''"`
	RollbackReason    string  `gorm:"column:rollback_reason;type:text;not null;default:''"`
	BaselineErrorRate float64 `gorm:"column:baseline_error_rate;not null;default:0"`
	BaselineP95Ms     float64 `gorm:"column:baseline_p95_ms;not null;default:0"`
	MigrationJobID    string  `gorm:"column:migration_job_id;type:varchar(64);not null;default:''"`
	StartedAt         string  `gorm:"column:started_at;type:varchar(40);not null"`
	ClosedAt          *string `gorm:"column:closed_at;type:varchar(40)"`
	TrafficRevertedAt *string `gorm:"column:traffic_reverted_at;type:varchar(40)"`
	SchemaRevertedAt  *string `gorm:"column:schema_reverted_at;type:varchar(40)"`
}

func (Deployment) TableName() string {
	return "deployments"
}

type HealthSample struct {
	SampleID     uint64  `gorm:"column:sample_id;primaryKey;autoIncrement"`
	DeploymentID uint64  `gorm:"column:deployment_id;not null;uniqueIndex:ux_sample_seq"`
	Seq          int     `gorm:"column:seq;not null;uniqueIndex:ux_sample_seq"`
	Stage        int     `gorm:"column:stage;not null"`
	ErrorRate    float64 `gorm:"column:error_rate;not null"`
	P95Ms        float64 `gorm:"column:p95_ms;not null"`
	SampledAt    string  `gorm:"column:sampled_at;type:varchar(40);not null"`
}

func (HealthSample) TableName() string {
	return "health_samples"
}
