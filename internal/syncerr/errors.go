package syncerr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation is returned for malformed candidates; they are never persisted
	ErrValidation = errors.New("validation failed")

	// ErrStaleRejected marks a candidate the resolver refused
	ErrStaleRejected = errors.New("stale candidate rejected")

	// ErrConflictBusy is returned when per-meter lock contention exhausted the retry budget
	ErrConflictBusy = errors.New("meter is busy, retry later")

	// ErrStorageUnavailable is returned for transient store failures
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrMeterNotFound is returned when a candidate references an unknown meter
	ErrMeterNotFound = errors.New("meter not found")

	// ErrRelayDeliveryFailed is a transient task queue failure, retried by the relay
	ErrRelayDeliveryFailed = errors.New("relay delivery failed")

	// ErrRelayPermanentFailure is returned once an outbox entry exhausted its attempt budget
	ErrRelayPermanentFailure = errors.New("relay attempt budget exhausted")

	// ErrClaimLost is returned when a relay worker no longer holds the claim on an entry
	ErrClaimLost = errors.New("outbox claim lost")
)

// ValidationError describes why a candidate was rejected before resolution
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NewValidationError creates a validation error for a field
func NewValidationError(field, reason string) *ValidationError {
	return &ValidationError{Field: field, Reason: reason}
}

// IsRetryable reports whether the ingest path may retry the operation locally
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflictBusy) || errors.Is(err, ErrStorageUnavailable)
}
