// Package reading holds the types exchanged between devices, the ingest
// coordinator and the conflict resolver.
package reading

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Outcome is the resolution tag reported back to the device and stored with
// canonical readings.
type Outcome string

const (
	OutcomeAcceptedNew      Outcome = "accepted_new"
	OutcomeAcceptedOverride Outcome = "accepted_override"
	OutcomeRejectedStale    Outcome = "rejected_stale"
	OutcomeMerged           Outcome = "merged"

	// Outcomes below never reach the canonical store.
	OutcomeRejectedInvalid    Outcome = "rejected_invalid"
	OutcomeConflictBusy       Outcome = "conflict_busy"
	OutcomeStorageUnavailable Outcome = "storage_unavailable"
)

// Reason codes attached to rejected outcomes.
const (
	ReasonStaleRevision    = "stale_revision"
	ReasonOlderCapture     = "older_capture"
	ReasonTieBreak         = "tie_break"
	ReasonNegativeValue    = "negative_value"
	ReasonNonMonotonic     = "non_monotonic"
	ReasonSpike            = "spike"
	ReasonMeterNotFound    = "meter_not_found"
	ReasonMeterInactive    = "meter_inactive"
	ReasonDuplicateInBatch = "idempotency_key_reused"
	ReasonUnstorableValue  = "unstorable_value"
)

// IsCanonical reports whether the outcome refers to a canonical revision.
func (o Outcome) IsCanonical() bool {
	return o == OutcomeAcceptedNew || o == OutcomeAcceptedOverride || o == OutcomeMerged
}

// Geo is a device-reported position
type Geo struct {
	Latitude       float64  `json:"latitude" validate:"gte=-90,lte=90"`
	Longitude      float64  `json:"longitude" validate:"gte=-180,lte=180"`
	AccuracyMeters *float64 `json:"accuracy_meters,omitempty" validate:"omitempty,gte=0"`
}

// Candidate is a client-submitted reading that has not been reconciled yet
type Candidate struct {
	IdempotencyKey   string          `json:"idempotency_key" validate:"required,max=255"`
	MeterID          uuid.UUID       `json:"meter_id" validate:"required"`
	Value            decimal.Decimal `json:"value"`
	CapturedAt       time.Time       `json:"captured_at" validate:"required"`
	DeviceClock      time.Time       `json:"device_clock"`
	Geo              *Geo            `json:"geo,omitempty" validate:"omitempty"`
	Photos           []string        `json:"photos" validate:"dive,required"`
	ObservedRevision *int64          `json:"observed_revision,omitempty" validate:"omitempty,gte=0"`
}

// Result is the per-item answer returned to the device
type Result struct {
	IdempotencyKey    string    `json:"idempotency_key"`
	MeterID           uuid.UUID `json:"meter_id"`
	Outcome           Outcome   `json:"outcome"`
	CanonicalRevision *int64    `json:"canonical_revision,omitempty"`
	Reason            string    `json:"reason,omitempty"`
	Replayed          bool      `json:"replayed,omitempty"`
}
