package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/meter-sync/internal/reading"
	"github.com/shopspring/decimal"
)

// MeterStatus is the administrative state of a meter
type MeterStatus string

const (
	MeterStatusActive      MeterStatus = "active"
	MeterStatusInactive    MeterStatus = "inactive"
	MeterStatusMaintenance MeterStatus = "maintenance"
)

// Meter represents a meter in the database
type Meter struct {
	ID            uuid.UUID
	ExternalCode  string
	Status        MeterStatus
	Latitude      *float64
	Longitude     *float64
	Metadata      map[string]any
	PreviousValue *decimal.Decimal
	LastReadingAt *time.Time
	CreatedAt     time.Time
}

// CanonicalReading is the accepted, immutable reading at one revision of a meter
type CanonicalReading struct {
	ID             int64
	MeterID        uuid.UUID
	Revision       int64
	Value          decimal.Decimal
	CapturedAt     time.Time
	AcceptedAt     time.Time
	DeviceID       string
	IdempotencyKey string
	Outcome        reading.Outcome
	SupersededID   *int64
	Latitude       *float64
	Longitude      *float64
	Photos         []string
}

// DedupRecord remembers the decision computed for an idempotency key so that
// replays return it unchanged
type DedupRecord struct {
	MeterID        uuid.UUID
	IdempotencyKey string
	DeviceID       string
	Outcome        reading.Outcome
	CanonicalID    *int64
	Revision       *int64
	Reason         string
	CreatedAt      time.Time
}

// OutboxStatus is the publish state of an outbox entry
type OutboxStatus string

const (
	OutboxUnpublished OutboxStatus = "unpublished"
	OutboxPublishing  OutboxStatus = "publishing"
	OutboxPublished   OutboxStatus = "published"
	OutboxFailed      OutboxStatus = "failed"
)

// OutboxEntry is an append-only event record; only status fields change after insert
type OutboxEntry struct {
	ID             int64
	EventType      string
	AggregateKey   string
	Payload        json.RawMessage
	Status         OutboxStatus
	AttemptCount   int
	MaxAttempts    int
	LastAttemptAt  *time.Time
	NextAttemptAt  *time.Time
	LastError      *string
	ClaimedBy      *string
	LeaseExpiresAt *time.Time
	PublishedAt    *time.Time
	CreatedAt      time.Time
}

// Exhausted reports whether the entry used its whole attempt budget
func (e *OutboxEntry) Exhausted() bool {
	return e.AttemptCount >= e.MaxAttempts
}
