package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/miradorstack/mirador-incidents/internal/models"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier writes events to a topic keyed by correlation key, so every
// event for one incident lands on the same partition in order.
type KafkaNotifier struct {
	writer messageWriter
	topic  string
}

// NewKafkaNotifier connects a writer to brokers.
func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		},
		topic: topic,
	}
}

// Name implements Notifier.
func (k *KafkaNotifier) Name() string { return "kafka" }

// Notify implements Notifier.
func (k *KafkaNotifier) Notify(ctx context.Context, ev models.IncidentEvent) error {
	if ev.Incident == nil {
		return fmt.Errorf("kafka notify: event %s has no incident", ev.Type)
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal incident event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.Incident.Key.String()),
		Value: payload,
		Time:  ev.At,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.Type)},
		},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write to %s: %w", k.topic, err)
	}
	return nil
}

// Close implements Notifier.
func (k *KafkaNotifier) Close() error { return k.writer.Close() }
