package notify

import (
	"context"
	"errors"
	"log/slog"

	"schemapilot/internal/bootstrap/logging"
	"schemapilot/internal/ports"
)

// LogNotifier writes events to the structured log. It is the default when no
// broker is configured.
type LogNotifier struct{}

var _ ports.Notifier = LogNotifier{}

func (LogNotifier) Publish(ctx context.Context, notification ports.Notification) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	logging.Info(
		logging.WithAttrs(ctx, slog.String("component", "infrastructure.notify")),
		"pipeline event",
		slog.String("event_id", notification.EventID),
		slog.String("kind", notification.Kind),
		slog.String("proposal_id", notification.ProposalID),
		slog.String("payload", string(notification.Payload)),
	)
	return nil
}
