package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"schemapilot/internal/errs"
	"schemapilot/internal/infrastructure/persistence/sqlite/model"
	"schemapilot/internal/ports"
)

// EnqueueNotification adds an outbox row. A duplicate event id is ignored.
func (r *PipelineRepository) EnqueueNotification(ctx context.Context, notification ports.NotificationRecord) error {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return err
	}

	next := notification.NextAttemptAt
	if next == "" {
		next = notification.CreatedAt
	}
	row := model.Notification{
		EventID:       notification.EventID,
		Kind:          notification.Kind,
		ProposalID:    notification.ProposalID,
		Payload:       jsonOrEmpty(notification.PayloadJSON, "{}"),
		NextAttemptAt: next,
		CreatedAt:     notification.CreatedAt,
	}
	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "event_id"}},
		DoNothing: true,
	}).Create(&row).Error; err != nil {
		return errs.Wrap(err, "insert notification")
	}
	return nil
}

func (r *PipelineRepository) ListDueNotifications(ctx context.Context, now string, limit int) ([]ports.NotificationRecord, error) {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return nil, err
	}

	query := db.Where("delivered_at IS NULL AND next_attempt_at <= ?", now).Order("notification_id asc")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []model.Notification
	if err := query.Find(&rows).Error; err != nil {
		return nil, errs.Wrap(err, "query due notifications")
	}

	items := make([]ports.NotificationRecord, 0, len(rows))
	for _, row := range rows {
		items = append(items, ports.NotificationRecord{
			NotificationID: row.NotificationID,
			EventID:        row.EventID,
			Kind:           row.Kind,
			ProposalID:     row.ProposalID,
			PayloadJSON:    string(row.Payload),
			Attempts:       row.Attempts,
			LastError:      row.LastError,
			NextAttemptAt:  row.NextAttemptAt,
			DeliveredAt:    derefTime(row.DeliveredAt),
			CreatedAt:      row.CreatedAt,
		})
	}
	return items, nil
}

func (r *PipelineRepository) MarkNotificationDelivered(ctx context.Context, notificationID uint64, deliveredAt string) error {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return err
	}

	if err := db.Model(&model.Notification{}).
		Where("notification_id = ?", notificationID).
		Updates(map[string]any{
			"delivered_at": deliveredAt,
			"attempts":     gorm.Expr("attempts + 1"),
			"last_error":   "",
		}).Error; err != nil {
		return errs.Wrap(err, "mark notification delivered")
	}
	return nil
}

func (r *PipelineRepository) MarkNotificationFailed(ctx context.Context, notificationID uint64, lastError string, nextAttemptAt string) error {
	db, err := r.dbFromContext(ctx)
	if err != nil {
		return err
	}

	if err := db.Model(&model.Notification{}).
		Where("notification_id = ?", notificationID).
		Updates(map[string]any{
			"attempts":        gorm.Expr("attempts + 1"),
			"last_error":      lastError,
			"next_attempt_at": nextAttemptAt,
		}).Error; err != nil {
		return errs.Wrap(err, "mark notification failed")
	}
	return nil
}
