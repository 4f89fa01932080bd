package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/miradorstack/mirador-incidents/internal/utils"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer feeds JSON log payloads from a topic into the Service. A
// message is committed once ingested or once it is known to be invalid;
// retryable failures are retried in place with backoff.
type KafkaConsumer struct {
	reader  messageReader
	service *Service
	backoff time.Duration
	logger  *slog.Logger
}

// NewKafkaConsumer joins groupID on topic.
func NewKafkaConsumer(logger *slog.Logger, brokers []string, topic, groupID string, service *Service) *KafkaConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	return newKafkaConsumer(logger, reader, service, time.Second)
}

func newKafkaConsumer(logger *slog.Logger, reader messageReader, service *Service, backoff time.Duration) *KafkaConsumer {
	return &KafkaConsumer{
		reader:  reader,
		service: service,
		backoff: backoff,
		logger:  utils.Component(logger, "kafka-consumer"),
	}
}

// Run consumes until ctx is cancelled.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	c.logger.Info("kafka consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("kafka consumer stopped")
				return nil
			}
			c.logger.Warn("fetch message failed", slog.Any("error", err))
			if !sleepCtx(ctx, c.backoff) {
				return nil
			}
			continue
		}

		if err := c.handle(ctx, msg); err != nil {
			// Only cancellation leaves a message uncommitted.
			return nil
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Warn("commit failed",
				slog.Int("partition", msg.Partition),
				slog.Int64("offset", msg.Offset),
				slog.Any("error", err))
		}
	}
}

// handle ingests one message, retrying retryable failures until ctx ends.
// It returns an error only when ctx was cancelled before success.
func (c *KafkaConsumer) handle(ctx context.Context, msg kafka.Message) error {
	decoded, err := DecodeEvents(msg.Value)
	if err != nil {
		c.poison(msg, err)
		return nil
	}
	// Ids are assigned once so retries redeliver the same events.
	events, err := NormalizeBatch(decoded)
	if err != nil {
		c.poison(msg, err)
		return nil
	}
	for {
		_, err := c.service.IngestBatch(ctx, events)
		switch {
		case err == nil:
			return nil
		case utils.IsRetryable(err) && ctx.Err() == nil:
			c.logger.Warn("ingest failed, retrying",
				slog.Int64("offset", msg.Offset),
				slog.Any("error", err))
			if !sleepCtx(ctx, c.backoff) {
				return ctx.Err()
			}
		case ctx.Err() != nil:
			return ctx.Err()
		default:
			c.poison(msg, err)
			return nil
		}
	}
}

func (c *KafkaConsumer) poison(msg kafka.Message, err error) {
	c.logger.Error("dropping unprocessable message",
		slog.String("topic", msg.Topic),
		slog.Int("partition", msg.Partition),
		slog.Int64("offset", msg.Offset),
		slog.Any("error", err))
}

// Close leaves the consumer group.
func (c *KafkaConsumer) Close() error {
	if err := c.reader.Close(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
