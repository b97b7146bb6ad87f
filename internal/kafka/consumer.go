package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"tabesh/internal/events"
	"tabesh/internal/logger"
)

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	reader MessageReader
	topic  string
	log    *logger.Logger

	// Retries is how many more times a failing handler is called before the
	// message is dropped.
	Retries int
	Backoff time.Duration
}

// NewConsumer creates a new Kafka consumer for the given topic and group
func NewConsumer(brokers []string, topic, groupID string, log *logger.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})
	return NewConsumerWithReader(reader, topic, log)
}

func NewConsumerWithReader(reader MessageReader, topic string, log *logger.Logger) *Consumer {
	return &Consumer{reader: reader, topic: topic, log: log, Retries: 3, Backoff: 500 * time.Millisecond}
}

// Start consumes until ctx is cancelled. Malformed messages are committed
// and skipped. A failing handler is retried with a growing backoff; once
// the retries run out the message is logged and committed so later
// messages keep flowing.
func (c *Consumer) Start(ctx context.Context, handler func(context.Context, events.Event) error) error {
	c.log.LogKafka("CONSUME", c.topic, "consumer started")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				c.log.LogKafka("CONSUME", c.topic, "consumer stopped")
				return nil
			}
			c.log.Error("KAFKA", fmt.Sprintf("Error reading message from %s: %v", c.topic, err))
			return fmt.Errorf("fetch from %s: %w", c.topic, err)
		}

		var e events.Event
		if err := json.Unmarshal(msg.Value, &e); err != nil {
			c.log.Warn("KAFKA", fmt.Sprintf("Failed to unmarshal message at offset %d: %v", msg.Offset, err))
		} else if err := c.handle(ctx, handler, e); err != nil {
			if ctx.Err() != nil {
				c.log.LogKafka("CONSUME", c.topic, "consumer stopped")
				return nil
			}
			c.log.Error("KAFKA", fmt.Sprintf("Dropping %s order=%d at offset %d after %d attempts: %v",
				e.Type, e.OrderID, msg.Offset, c.Retries+1, err))
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.log.Warn("KAFKA", fmt.Sprintf("Commit failed at offset %d: %v", msg.Offset, err))
		}
	}
}

func (c *Consumer) handle(ctx context.Context, handler func(context.Context, events.Event) error, e events.Event) error {
	wait := c.Backoff
	for attempt := 0; ; attempt++ {
		err := handler(ctx, e)
		if err == nil || attempt >= c.Retries {
			return err
		}
		c.log.Warn("KAFKA", fmt.Sprintf("Handler failed for %s order=%d (attempt %d): %v", e.Type, e.OrderID, attempt+1, err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
}

// Close gracefully shuts down the Kafka reader
func (c *Consumer) Close() error {
	return c.reader.Close()
}
