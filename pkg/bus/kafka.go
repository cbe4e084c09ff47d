package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/seral-labs/harbinger/pkg/config"
)

// defaultPollTimeout bounds a single Next call so consumers regularly
// return control to their caller even when topics are quiet.
const defaultPollTimeout = 20 * time.Second

// Kafka implements Bus on top of segmentio/kafka-go. A single writer serves
// all topics; each Subscribe call opens its own consumer-group reader.
type Kafka struct {
	cfg    config.KafkaConfig
	writer *kafka.Writer
	logger *slog.Logger
}

func NewKafka(cfg config.KafkaConfig) *Kafka {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  3,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}
	return &Kafka{
		cfg:    cfg,
		writer: w,
		logger: slog.Default().With("component", "kafka-bus"),
	}
}

func (k *Kafka) Subscribe(_ context.Context, group string, topics []string) (Consumer, error) {
	if len(topics) == 0 {
		return nil, fmt.Errorf("subscribing: no topics given")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.cfg.Brokers,
		GroupTopics: topics,
		GroupID:     group,
		MinBytes:    1e3,
		MaxBytes:    10e6,
		StartOffset: kafka.LastOffset,
	})
	return &kafkaConsumer{
		reader: r,
		poll:   defaultPollTimeout,
		logger: k.logger.With("group", group),
	}, nil
}

func (k *Kafka) Publish(ctx context.Context, topic string, data []byte) error {
	msg := kafka.Message{
		Topic: topic,
		Value: data,
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		k.logger.Error("failed to publish message",
			"topic", topic,
			"error", err,
		)
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	k.logger.Debug("message published",
		"topic", topic,
		"value_size", len(data),
	)
	return nil
}

// Close flushes pending writes and closes the shared writer. Consumers are
// closed individually by their owners.
func (k *Kafka) Close() error {
	return k.writer.Close()
}

type kafkaConsumer struct {
	reader *kafka.Reader
	poll   time.Duration
	logger *slog.Logger
}

func (c *kafkaConsumer) Next(ctx context.Context) (*Event, error) {
	pollCtx, cancel := context.WithTimeout(ctx, c.poll)
	defer cancel()

	msg, err := c.reader.FetchMessage(pollCtx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("fetching message: %w", err)
	}
	c.logger.Debug("message received",
		"topic", msg.Topic,
		"partition", msg.Partition,
		"offset", msg.Offset,
		"value_size", len(msg.Value),
	)
	return &Event{Topic: msg.Topic, Payload: msg.Value, handle: msg}, nil
}

func (c *kafkaConsumer) Commit(ctx context.Context, events ...*Event) error {
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		if msg, ok := ev.handle.(kafka.Message); ok {
			msgs = append(msgs, msg)
		}
	}
	if len(msgs) == 0 {
		return nil
	}
	if err := c.reader.CommitMessages(ctx, msgs...); err != nil {
		c.logger.Error("failed to commit messages",
			"count", len(msgs),
			"error", err,
		)
		return fmt.Errorf("committing %d messages: %w", len(msgs), err)
	}
	return nil
}

func (c *kafkaConsumer) Close() error {
	return c.reader.Close()
}
