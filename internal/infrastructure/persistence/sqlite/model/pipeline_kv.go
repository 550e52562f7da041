package model

type PipelineKV struct {
	Key       string  `gorm:"column:key;type:varchar(255);primaryKey"`
	Value     string  `gorm:"column:value;type:text;not null"`
	ExpiresAt *string `gorm:"column:expires_at;type:varchar(40)"`
	UpdatedAt string  `gorm:"column:updated_at;type:varchar(40);not null"`
}

func (PipelineKV) TableName() string {
	return "pipeline_kv"
}

// All lists every table model in migration order.
func All() []any {
	return []any{
		&Proposal{},
		&Lifecycle{},
		&LifecycleTransition{},
		&ImpactReport{},
		&ApprovalDecision{},
		&Deployment{},
		&HealthSample{},
		&FeedbackReport{},
		&RiskWeights{},
		&AbortRequest{},
		&Notification{},
		&PipelineKV{},
	}
}
