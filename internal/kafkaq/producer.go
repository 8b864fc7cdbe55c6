// Package kafkaq publishes outbox messages to a Kafka topic. Messages are keyed
// by meter id so events of one meter stay on one partition.
package kafkaq

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/septivank/meter-sync/internal/taskqueue"
	"go.uber.org/zap"
)

// Header keys set on every message
const (
	HeaderMessageID = "message-id"
	HeaderEventType = "event-type"
)

// messageWriter is the subset of *kafka.Writer used by the producer
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Config holds kafka producer settings
type Config struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// Producer implements taskqueue.Publisher on top of a synchronous kafka writer
type Producer struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
}

var _ taskqueue.Publisher = (*Producer)(nil)

// NewProducer creates a producer that waits for all in-sync replicas
func NewProducer(cfg Config, logger *zap.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchSize:    1,
		BatchTimeout: cfg.BatchTimeout,
	}
	return newProducer(writer, cfg.Topic, logger)
}

func newProducer(writer messageWriter, topic string, logger *zap.Logger) *Producer {
	return &Producer{writer: writer, topic: topic, logger: logger}
}

// Publish writes msg and returns once the brokers acknowledged it
func (p *Producer) Publish(ctx context.Context, msg taskqueue.Message) error {
	if err := p.writer.WriteMessages(ctx, message(msg)); err != nil {
		return fmt.Errorf("failed to write message %s to %s: %w", msg.MessageID(), p.topic, err)
	}

	p.logger.Debug("published outbox message",
		zap.String("message_id", msg.MessageID()),
		zap.String("event_type", msg.Type),
		zap.String("topic", p.topic),
	)
	return nil
}

func message(msg taskqueue.Message) kafka.Message {
	return kafka.Message{
		Key:   []byte(msg.Key),
		Value: msg.Body,
		Time:  msg.CreatedAt,
		Headers: []kafka.Header{
			{Key: HeaderMessageID, Value: []byte(msg.MessageID())},
			{Key: HeaderEventType, Value: []byte(msg.Type)},
		},
	}
}

// Close flushes and closes the writer
func (p *Producer) Close() error {
	return p.writer.Close()
}
