package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/meter-sync/internal/reading"
	"github.com/shopspring/decimal"
)

// Event types published for candidate outcomes
const (
	EventReadingAccepted   = "reading.accepted"
	EventReadingSuperseded = "reading.superseded"
	EventReadingMerged     = "reading.merged"
	EventReadingRejected   = "reading.rejected"
)

// EventTypeFor maps a persisted outcome onto its event type
func EventTypeFor(outcome reading.Outcome) string {
	switch outcome {
	case reading.OutcomeAcceptedNew:
		return EventReadingAccepted
	case reading.OutcomeAcceptedOverride:
		return EventReadingSuperseded
	case reading.OutcomeMerged:
		return EventReadingMerged
	default:
		return EventReadingRejected
	}
}

// Event is a state change to record in the outbox
type Event struct {
	Type       string
	MeterID    uuid.UUID
	OccurredAt time.Time
	Payload    any
}

// Envelope is the serialized form stored in the outbox and sent to consumers
type Envelope struct {
	EventID    uuid.UUID       `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	MeterID    uuid.UUID       `json:"meter_id"`
	Payload    json.RawMessage `json:"payload"`
}

// ReadingPayload describes the resolution of one candidate reading
type ReadingPayload struct {
	IdempotencyKey string           `json:"idempotency_key"`
	DeviceID       string           `json:"device_id"`
	Outcome        reading.Outcome  `json:"outcome"`
	Value          decimal.Decimal  `json:"value"`
	CapturedAt     time.Time        `json:"captured_at"`
	Revision       *int64           `json:"revision,omitempty"`
	CanonicalID    *int64           `json:"canonical_id,omitempty"`
	SupersededID   *int64           `json:"superseded_id,omitempty"`
	Reason         string           `json:"reason,omitempty"`
	Photos         []string         `json:"photos,omitempty"`
	Geo            *reading.Geo     `json:"geo,omitempty"`
	PreviousValue  *decimal.Decimal `json:"previous_value,omitempty"`
}
