package notify

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"schemapilot/internal/errs"
	"schemapilot/internal/ports"
)

type NatsOptions struct {
	URL           string
	SubjectPrefix string
	Stream        string
}

// NatsNotifier publishes pipeline events to JetStream. The event id is the
// Nats-Msg-Id so redeliveries inside the stream's duplicate window are dropped.
type NatsNotifier struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	prefix string
}

var _ ports.Notifier = (*NatsNotifier)(nil)

func NewNatsNotifier(ctx context.Context, opts NatsOptions) (*NatsNotifier, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		url = nats.DefaultURL
	}
	prefix := strings.Trim(strings.TrimSpace(opts.SubjectPrefix), ".")
	if prefix == "" {
		prefix = "schemapilot"
	}

	conn, err := nats.Connect(url, nats.Name("schemapilot"), nats.MaxReconnects(-1), nats.ReconnectWait(2*time.Second))
	if err != nil {
		return nil, errs.Wrapf(err, "connect nats %s", url)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, errs.Wrap(err, "init jetstream")
	}

	if stream := strings.TrimSpace(opts.Stream); stream != "" {
		if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:       stream,
			Subjects:   []string{prefix + ".>"},
			Duplicates: 10 * time.Minute,
		}); err != nil {
			conn.Close()
			return nil, errs.Wrapf(err, "ensure stream %s", stream)
		}
	}

	return &NatsNotifier{conn: conn, js: js, prefix: prefix}, nil
}

func (n *NatsNotifier) Publish(ctx context.Context, notification ports.Notification) error {
	if ctx == nil {
		return errors.New("context is required")
	}
	if strings.TrimSpace(notification.EventID) == "" {
		return errors.New("event id is required")
	}
	msg := nats.NewMsg(Subject(n.prefix, notification.Kind))
	msg.Data = notification.Payload
	msg.Header.Set("Sp-Proposal-Id", notification.ProposalID)
	msg.Header.Set("Sp-Event-Kind", notification.Kind)

	if _, err := n.js.PublishMsg(ctx, msg, jetstream.WithMsgID(notification.EventID)); err != nil {
		return errs.Wrapf(err, "publish %s", notification.Kind)
	}
	return nil
}

func (n *NatsNotifier) Close() {
	if n != nil && n.conn != nil {
		n.conn.Close()
	}
}

// Subject maps an event kind such as approval.requested under prefix.
func Subject(prefix string, kind string) string {
	kind = strings.Trim(strings.TrimSpace(kind), ".")
	if kind == "" {
		kind = "unknown"
	}
	return prefix + "." + kind
}
