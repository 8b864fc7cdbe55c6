package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// MessageHandler processes a message body and returns the reply body, nil when
// there is nothing to answer. An error dead-letters the message.
type MessageHandler func(ctx context.Context, body []byte) ([]byte, error)

// Consumer handles message consumption from RabbitMQ
type Consumer struct {
	conn             *Connection
	channel          *amqp.Channel
	queue            string
	dlqQueue         string
	exchange         string
	routingKey       string
	prefetchCount    int
	logger           *zap.Logger
	messageProcessor MessageHandler
	done             chan struct{}
}

// ConsumerConfig holds consumer configuration
type ConsumerConfig struct {
	Connection       *Connection
	Queue            string
	DLQQueue         string
	Exchange         string
	RoutingKey       string
	PrefetchCount    int
	Logger           *zap.Logger
	MessageProcessor MessageHandler
}

// NewConsumer creates a new RabbitMQ consumer
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	ch, err := cfg.Connection.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	// Set QoS (prefetch)
	err = ch.Qos(cfg.PrefetchCount, 0, false)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	err = ch.ExchangeDeclare(
		cfg.Exchange,
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

	// Rejected batches go to the DLQ through the default exchange
	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.DLQQueue,
	}
	_, err = ch.QueueDeclare(
		cfg.Queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		args,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", cfg.Queue, err)
	}

	_, err = ch.QueueDeclare(
		cfg.DLQQueue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare DLQ: %w", err)
	}

	err = ch.QueueBind(
		cfg.Queue,
		cfg.RoutingKey,
		cfg.Exchange,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to bind queue: %w", err)
	}

	return &Consumer{
		conn:             cfg.Connection,
		channel:          ch,
		queue:            cfg.Queue,
		dlqQueue:         cfg.DLQQueue,
		exchange:         cfg.Exchange,
		routingKey:       cfg.RoutingKey,
		prefetchCount:    cfg.PrefetchCount,
		logger:           cfg.Logger,
		messageProcessor: cfg.MessageProcessor,
		done:             make(chan struct{}),
	}, nil
}

// Start starts consuming messages
func (c *Consumer) Start(ctx context.Context) error {
	msgs, err := c.channel.Consume(
		c.queue,
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("consumer started",
		zap.String("queue", c.queue),
		zap.Int("prefetch", c.prefetchCount),
	)

	go func() {
		defer close(c.done)
		for {
			select {
			case <-ctx.Done():
				c.logger.Info("consumer context cancelled, stopping")
				return
			case msg, ok := <-msgs:
				if !ok {
					c.logger.Warn("message channel closed")
					return
				}
				c.processMessage(ctx, &msg)
			}
		}
	}()

	return nil
}

// acknowledger is the part of amqp.Delivery the consumer settles messages with
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

// replier publishes RPC replies
type replier interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

func (c *Consumer) processMessage(ctx context.Context, msg *amqp.Delivery) {
	handle(ctx, c.logger, c.messageProcessor, c.channel, msg, msg)
}

// handle runs the handler for one delivery, sends the reply and settles it
func handle(ctx context.Context, logger *zap.Logger, process MessageHandler, out replier, ack acknowledger, msg *amqp.Delivery) {
	logger = logger.With(
		zap.String("routing_key", msg.RoutingKey),
		zap.String("correlation_id", msg.CorrelationId),
	)
	logger.Info("received message from queue", zap.Int("body_size", len(msg.Body)))

	reply, err := process(ctx, msg.Body)
	if err != nil {
		// Shutdown interrupted the batch before anything was answered
		requeue := ctx.Err() != nil
		logger.Error("failed to process message", zap.Error(err), zap.Bool("requeue", requeue))

		// NACK with requeue=false sends to DLQ
		if nackErr := ack.Nack(false, requeue); nackErr != nil {
			logger.Error("failed to NACK message", zap.Error(nackErr))
		}
		return
	}

	if reply != nil && msg.ReplyTo != "" {
		err := out.PublishWithContext(
			context.WithoutCancel(ctx),
			"", // default exchange routes by queue name
			msg.ReplyTo,
			false,
			false,
			amqp.Publishing{
				ContentType:   "application/json",
				CorrelationId: msg.CorrelationId,
				Body:          reply,
			},
		)
		if err != nil {
			logger.Error("failed to publish reply", zap.Error(err), zap.String("reply_to", msg.ReplyTo))
		}
	}

	if ackErr := ack.Ack(false); ackErr != nil {
		logger.Error("failed to ACK message", zap.Error(ackErr))
		return
	}
	logger.Info("message processed and acknowledged successfully")
}

// Close closes the consumer channel and waits for the in-flight message
func (c *Consumer) Close(ctx context.Context) error {
	if c.channel == nil {
		return nil
	}
	err := c.channel.Close()
	select {
	case <-c.done:
	case <-ctx.Done():
	}
	return err
}
