package model

import "gorm.io/datatypes"

type Proposal struct {
	ProposalID     string         `gorm:"column:proposal_id;type:varchar(64);primaryKey"`
	TargetVersion  string         `gorm:"column:target_version;type:varchar(128);not null;index"`
	Kind           string         `gorm:"column:kind;type:varchar(32);not null"`
	Payload        datatypes.JSON `gorm:"column:payload_json;not null"`
	ProducedBy     string         `gorm:"column:produced_by;type:text;not null"`
	ProducedVia    string         `gorm:"column:produced_via;type:varchar(16);not null"`
	Rationale      string         `gorm:"column:rationale;type:text;not null;default:''"`
	ProducedAt     string         `gorm:"column:produced_at;type:varchar(40);not null"`
	ResubmissionOf *string        `gorm:"column:resubmission_of;type:varchar(64);index"`
	CreatedAt      string         `gorm:"column:created_at;type:varchar(40);not null"`
}

func (Proposal) TableName() string {
	return "proposals"
}
