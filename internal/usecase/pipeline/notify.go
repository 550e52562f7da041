package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"schemapilot/internal/bootstrap/logging"
	"schemapilot/internal/errs"
	"schemapilot/internal/ports"
)

// dispatchNotifications delivers due outbox rows. A failed delivery is
// rescheduled with exponential backoff; it never blocks transitions.
func (s *Service) dispatchNotifications(ctx context.Context, report *TickReport) error {
	if s.deps.Notifier == nil {
		return nil
	}
	now := s.now()
	due, err := s.deps.Repo.ListDueNotifications(ctx, ports.FormatTime(now), s.cfg.NotificationBatch)
	if err != nil {
		return err
	}
	logCtx := logging.WithAttrs(ctx, slog.String("component", "usecase.pipeline"))

	for _, item := range due {
		createdAt, _ := ports.ParseTime(item.CreatedAt)
		pubErr := s.deps.Notifier.Publish(ctx, ports.Notification{
			EventID:    item.EventID,
			Kind:       item.Kind,
			ProposalID: item.ProposalID,
			Payload:    []byte(item.PayloadJSON),
			CreatedAt:  createdAt,
		})
		s.deps.Metrics.ObserveNotification(item.Kind, pubErr == nil)
		if pubErr == nil {
			if err := s.deps.Repo.MarkNotificationDelivered(ctx, item.NotificationID, ports.FormatTime(s.now())); err != nil {
				return err
			}
			report.NotificationsSent++
			continue
		}

		next := now.Add(s.retryDelay(item.Attempts + 1))
		logging.Warn(logCtx, "notification delivery failed",
			slog.String("event_id", item.EventID),
			slog.String("kind", item.Kind),
			slog.Int("attempt", item.Attempts+1),
			slog.Time("next_attempt_at", next),
			slog.Any("err", errs.Loggable(pubErr)),
		)
		if err := s.deps.Repo.MarkNotificationFailed(ctx, item.NotificationID, pubErr.Error(), ports.FormatTime(next)); err != nil {
			return err
		}
		report.NotificationsFailed++
	}
	return nil
}

// retryDelay is the wait before the given delivery attempt.
func (s *Service) retryDelay(attempt int) time.Duration {
	policy := &backoff.ExponentialBackOff{
		InitialInterval:     s.cfg.NotifyInitialBackoff,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         s.cfg.NotifyMaxBackoff,
	}
	policy.Reset()
	delay := policy.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = policy.NextBackOff()
	}
	return delay
}
