package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/septivank/meter-sync/internal/taskqueue"
	"go.uber.org/zap"
)

// Publisher delivers outbox messages to a topic exchange with publisher confirms.
// The routing key is the event type.
type Publisher struct {
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger
}

var _ taskqueue.Publisher = (*Publisher)(nil)

// NewPublisher creates a new RabbitMQ publisher
func NewPublisher(conn *Connection, exchange string, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	// Declare exchange
	err = ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	return &Publisher{
		channel:  ch,
		exchange: exchange,
		logger:   logger,
	}, nil
}

// Publish sends msg and waits for the broker confirmation
func (p *Publisher) Publish(ctx context.Context, msg taskqueue.Message) error {
	confirm, err := p.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		p.exchange,
		msg.Type,
		false, // mandatory
		false, // immediate
		publishing(msg),
	)
	if err != nil {
		return fmt.Errorf("failed to publish message %s: %w", msg.MessageID(), err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("no confirmation for message %s: %w", msg.MessageID(), err)
	}
	if !acked {
		return fmt.Errorf("broker rejected message %s", msg.MessageID())
	}

	p.logger.Debug("published outbox message",
		zap.String("message_id", msg.MessageID()),
		zap.String("routing_key", msg.Type),
		zap.String("meter_id", msg.Key),
	)
	return nil
}

func publishing(msg taskqueue.Message) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.MessageID(),
		Type:         msg.Type,
		Timestamp:    msg.CreatedAt,
		Headers:      amqp.Table{"meter_id": msg.Key},
		Body:         msg.Body,
	}
}

// Close closes the publisher channel
func (p *Publisher) Close() error {
	if p.channel != nil {
		return p.channel.Close()
	}
	return nil
}
