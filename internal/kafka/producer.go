package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"tabesh/internal/events"
	"tabesh/internal/logger"
)

// MessageWriter is the part of *kafka.Writer the producer uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer publishes order events to the orders topic and file events to
// the files topic, keyed by order ID so one order's events stay ordered.
type Producer struct {
	Writer      MessageWriter
	OrdersTopic string
	FilesTopic  string
	Logger      *logger.Logger
}

func NewProducer(brokers []string, ordersTopic, filesTopic string, log *logger.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return &Producer{Writer: writer, OrdersTopic: ordersTopic, FilesTopic: filesTopic, Logger: log}
}

func (p *Producer) topicFor(e events.Event) string {
	if e.IsFileEvent() {
		return p.FilesTopic
	}
	return p.OrdersTopic
}

func (p *Producer) Publish(ctx context.Context, e events.Event) error {
	msgBytes, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	topic := p.topicFor(e)
	err = p.Writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(strconv.FormatInt(e.OrderID, 10)),
		Value: msgBytes,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("write %s to %s: %w", e.Type, topic, err)
	}
	p.Logger.LogKafka("PUBLISH", topic, fmt.Sprintf("%s order=%d", e.Type, e.OrderID))
	return nil
}

func (p *Producer) Close() error {
	return p.Writer.Close()
}
