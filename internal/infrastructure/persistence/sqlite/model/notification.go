package model

import "gorm.io/datatypes"

// Notification is a row of the notification outbox, written in the same
// transaction as the lifecycle transition that produced it.
type Notification struct {
	NotificationID uint64         `gorm:"column:notification_id;primaryKey;autoIncrement"`
	EventID        string         `gorm:"column:event_id;type:varchar(64);not null;uniqueIndex"`
	Kind           string         `gorm:"column:kind;type:varchar(64);not null"`
	ProposalID     string         `gorm:"column:proposal_id;type:varchar(64);not null;index"`
	Payload        datatypes.JSON `gorm:"column:payload_json;not null"`
	Attempts       int            `gorm:"column:attempts;not null;default:0"`
	LastError      string         `gorm:"column:last_error;type:text;not null;default:''"`
	NextAttemptAt  string         `gorm:"column:next_attempt_at;type:varchar(40);not null;index"`
	DeliveredAt    *string        `gorm:"column:delivered_at;type:varchar(40);index"`
	CreatedAt      string         `gorm:"column:created_at;type:varchar(40);not null"`
}

func (Notification) TableName() string {
	return "notifications"
}
