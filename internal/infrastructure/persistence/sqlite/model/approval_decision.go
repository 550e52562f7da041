package model

type ApprovalDecision struct {
	DecisionID uint64 `gorm:"column:decision_id;primaryKey;autoIncrement"`
	ProposalID string `gorm:"column:proposal_id;type:varchar(64);not null;uniqueIndex:ux_decision_reviewer"`
	Reviewer   string `gorm:"column:reviewer;type:varchar(128);not null;uniqueIndex:ux_decision_reviewer"`
	Role       string `gorm:"column:role;type:varchar(64);not null"`
	Verdict    string `gorm:"column:verdict;type:varchar(16);not null"`
	Comment    string `gorm:"column:comment;type:text;not null;default:''"`
	DecidedAt  string `gorm:"column:decided_at;type:varchar(40);not null"`
}

func (ApprovalDecision) TableName() string {
	return "approval_decisions"
}
