package validator

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/septivank/meter-sync/internal/reading"
	"github.com/septivank/meter-sync/internal/syncerr"
	"github.com/septivank/meter-sync/tools/timeparser"
	"github.com/shopspring/decimal"
)

// Stored values are NUMERIC(20, 6)
const (
	valueScale         = 6
	valueIntegerDigits = 14
)

var valueLimit = decimal.New(1, valueIntegerDigits)

// Validator checks candidate readings before they reach the resolver
type Validator struct {
	validate       *validator.Validate
	minPhotos      int
	clockTolerance time.Duration
	maxOfflineAge  time.Duration
}

// NewValidator creates a new validator. maxOfflineAge of zero accepts captures of any age.
func NewValidator(minPhotos int, clockTolerance, maxOfflineAge time.Duration) *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report JSON field names, the device never sees Go names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Validator{
		validate:       v,
		minPhotos:      minPhotos,
		clockTolerance: clockTolerance,
		maxOfflineAge:  maxOfflineAge,
	}
}

// ValidateCandidate validates a single candidate received at receivedAt
func (v *Validator) ValidateCandidate(c reading.Candidate, receivedAt time.Time) error {
	if err := v.validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return syncerr.NewValidationError(fieldPath(fe), message(fe))
		}
		return syncerr.NewValidationError("", err.Error())
	}

	if c.MeterID == uuid.Nil {
		return syncerr.NewValidationError("meter_id", "is required")
	}

	if err := validateValue(c.Value); err != nil {
		return err
	}

	if len(c.Photos) < v.minPhotos {
		return syncerr.NewValidationError("photos", fmt.Sprintf("at least %d photos required, got %d", v.minPhotos, len(c.Photos)))
	}

	// The device clock is only a sanity reference; ordering uses the capture time as is
	if !c.DeviceClock.IsZero() && c.CapturedAt.After(c.DeviceClock.Add(v.clockTolerance)) {
		return syncerr.NewValidationError("captured_at", fmt.Sprintf("capture is ahead of device clock by %s", c.CapturedAt.Sub(c.DeviceClock)))
	}

	if c.CapturedAt.After(receivedAt.Add(v.clockTolerance)) {
		return syncerr.NewValidationError("captured_at", "capture is in the future")
	}

	if v.maxOfflineAge > 0 && !timeparser.IsWithinTolerance(c.CapturedAt, receivedAt, v.maxOfflineAge) {
		return syncerr.NewValidationError("captured_at", fmt.Sprintf("capture older than %s", v.maxOfflineAge))
	}

	return nil
}

// ValidateBatch validates every candidate of a device batch. The returned slice
// is aligned with candidates and holds nil for valid items.
func (v *Validator) ValidateBatch(deviceID string, candidates []reading.Candidate, receivedAt time.Time) ([]error, error) {
	if strings.TrimSpace(deviceID) == "" {
		return nil, syncerr.NewValidationError("device_id", "is required")
	}

	errs := make([]error, len(candidates))
	meterByKey := make(map[string]uuid.UUID, len(candidates))
	for i, c := range candidates {
		if err := v.ValidateCandidate(c, receivedAt); err != nil {
			errs[i] = err
			continue
		}
		if prev, ok := meterByKey[c.IdempotencyKey]; ok && prev != c.MeterID {
			errs[i] = syncerr.NewValidationError("idempotency_key", reading.ReasonDuplicateInBatch)
			continue
		}
		meterByKey[c.IdempotencyKey] = c.MeterID
	}
	return errs, nil
}

func validateValue(value decimal.Decimal) error {
	if value.Abs().GreaterThanOrEqual(valueLimit) {
		return syncerr.NewValidationError("value", fmt.Sprintf("must have at most %d integer digits", valueIntegerDigits))
	}
	if !value.Equal(value.Truncate(valueScale)) {
		return syncerr.NewValidationError("value", fmt.Sprintf("must have at most %d decimal places", valueScale))
	}
	return nil
}

func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "gte":
		return "must be greater than or equal to " + fe.Param()
	case "lte":
		return "must be less than or equal to " + fe.Param()
	default:
		return "failed " + fe.Tag() + " check"
	}
}
