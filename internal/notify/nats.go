package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/miradorstack/mirador-incidents/internal/models"
)

type publisher interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
}

// NATSNotifier publishes each event on "<prefix>.<type>", e.g. incidents.created.
type NATSNotifier struct {
	pub    publisher
	conn   *nats.Conn
	prefix string
}

// NewNATSNotifier dials url.
func NewNATSNotifier(url, prefix string) (*NATSNotifier, error) {
	conn, err := nats.Connect(url, nats.Name("mirador-incidents"))
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	if prefix == "" {
		prefix = "incidents"
	}
	return &NATSNotifier{pub: conn, conn: conn, prefix: prefix}, nil
}

// Name implements Notifier.
func (n *NATSNotifier) Name() string { return "nats" }

// Subject returns the subject an event type is published on.
func (n *NATSNotifier) Subject(t models.IncidentEventType) string {
	return n.prefix + "." + string(t)
}

// Notify implements Notifier.
func (n *NATSNotifier) Notify(ctx context.Context, ev models.IncidentEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal incident event: %w", err)
	}
	subject := n.Subject(ev.Type)
	if err := n.pub.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return n.pub.FlushWithContext(ctx)
}

// Close implements Notifier.
func (n *NATSNotifier) Close() error {
	if n.conn != nil {
		n.conn.Close()
	}
	return nil
}
