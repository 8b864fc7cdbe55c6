package mq

import (
	"context"
	"errors"
	"fmt"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ErrBrokerClosed is returned by Ping once the broker connection is gone
var ErrBrokerClosed = errors.New("sync broker connection is closed")

// Connection is the broker connection shared by the ingest consumer and the
// outbox publisher
type Connection struct {
	conn *amqp.Connection
}

// NewConnection dials the broker and names the connection after the service
// so it can be told apart in the management UI
func NewConnection(lc fx.Lifecycle, logger *zap.Logger, url, serviceName string) (*Connection, error) {
	broker := brokerAddress(url)
	logger.Info("connecting to sync broker",
		zap.String("broker", broker),
		zap.String("connection_name", serviceName))

	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(serviceName)
	conn, err := amqp.DialConfig(url, amqp.Config{Properties: props})
	if err != nil {
		logger.Error("sync broker unreachable", zap.String("broker", broker), zap.Error(err))
		return nil, fmt.Errorf("[RABBITMQ CONNECTION FAILED] %s cannot reach broker %s, check RABBITMQ_URL and that the ingest vhost exists: %w", serviceName, broker, err)
	}

	c := &Connection{conn: conn}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			logger.Info("sync broker connected, ingest consumer and relay may start", zap.String("broker", broker))
			return nil
		},
		OnStop: func(context.Context) error {
			if conn.IsClosed() {
				return nil
			}
			if err := conn.Close(); err != nil {
				logger.Error("failed to close sync broker connection", zap.Error(err))
				return err
			}
			logger.Info("sync broker connection closed")
			return nil
		},
	})

	return c, nil
}

// Channel opens a channel on the shared connection
func (c *Connection) Channel() (*amqp.Channel, error) {
	if c.conn == nil {
		return nil, ErrBrokerClosed
	}
	return c.conn.Channel()
}

// Ping backs the rabbitmq entry of the health server
func (c *Connection) Ping(_ context.Context) error {
	if c.conn == nil || c.conn.IsClosed() {
		return ErrBrokerClosed
	}
	return nil
}

// brokerAddress renders the broker URL without credentials
func brokerAddress(url string) string {
	uri, err := amqp.ParseURI(url)
	if err != nil {
		return "unparseable url"
	}
	return fmt.Sprintf("%s:%d/%s", uri.Host, uri.Port, strings.TrimPrefix(uri.Vhost, "/"))
}
