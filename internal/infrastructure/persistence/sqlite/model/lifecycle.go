package model

type Lifecycle struct {
	ProposalID     string   `gorm:"column:proposal_id;type:varchar(64);primaryKey"`
	TargetVersion  string   `gorm:"column:target_version;type:varchar(128);not null;index:idx_lifecycle_version_state"`
	State          string   `gorm:"column:state;type:varchar(32);not null;index:idx_lifecycle_version_state;index"`
	Reason         string   `gorm:"column:reason;type:text;not null;default:''"`
	RiskScore      *float64 `gorm:"column:risk_score"`
	RiskLevel      string   `gorm:"column:risk_level;type:varchar(16);not null;default:''"`
	ReportID       *uint64  `gorm:"column:report_id"`
	EnteredStateAt string   `gorm:"column:entered_state_at;type:varchar(40);not null;index"`
	CreatedAt      string   `gorm:"column:created_at;type:varchar(40);not null"`
	UpdatedAt      string   `gorm:"column:updated_at;type:varchar(40);not null"`
}

func (Lifecycle) TableName() string {
	return "lifecycles"
}

type LifecycleTransition struct {
	TransitionID uint64 `gorm:"column:transition_id;primaryKey;autoIncrement"`
	ProposalID   string `gorm:"column:proposal_id;type:varchar(64);not null;index"`
	FromState    string `gorm:"column:from_state;type:varchar(32);not null"`
	ToState      string `gorm:"column:to_state;type:varchar(32);not null"`
	Reason       string `gorm:"column:reason;type:text;not null;default:''"`
	Actor        string `gorm:"column:actor;type:text;not null;default:''"`
	CreatedAt    string `gorm:"column:created_at;type:varchar(40);not null"`
}

func (LifecycleTransition) TableName() string {
	return "lifecycle_transitions"
}
