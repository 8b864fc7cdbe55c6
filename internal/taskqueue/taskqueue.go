// Package taskqueue defines how outbox entries leave the service.
//
// Delivery is at-least-once. A message may be delivered more than once, for
// example when the relay crashes after the broker confirmed a publish but before
// the entry was marked published. Every message carries the outbox entry id as
// its message id (AMQP message-id, Kafka header "message-id"); task executors
// must treat that id as an idempotency key and skip ids they already processed.
package taskqueue

import (
	"context"
	"strconv"
	"time"
)

// Message is one outbox entry ready for delivery
type Message struct {
	// ID is the outbox entry id, unique and increasing per database
	ID int64
	// Type is the event type, e.g. reading.accepted
	Type string
	// Key groups messages of one meter
	Key       string
	Body      []byte
	CreatedAt time.Time
}

// MessageID renders the id in the form used on the wire
func (m Message) MessageID() string {
	return strconv.FormatInt(m.ID, 10)
}

// Publisher hands messages to the broker. Publish returns only after the broker
// confirmed the message; any error means the message may or may not have been
// stored and the caller must retry.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}
