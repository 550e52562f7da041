package model

type AbortRequest struct {
	AbortID     uint64  `gorm:"column:abort_id;primaryKey;autoIncrement"`
	ProposalID  string  `gorm:"column:proposal_id;type:varchar(64);not null;index"`
	Actor       string  `gorm:"column:actor;type:varchar(128);not null"`
	Reason      string  `gorm:"column:reason;type:text;not null"`
	RequestedAt string  `gorm:"column:requested_at;type:varchar(40);not null"`
	HandledAt   *string `gorm:"column:handled_at;type:varchar(40)"`
}

func (AbortRequest) TableName() string {
	return "abort_requests"
}
