package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/septivank/meter-sync/internal/db"
	"github.com/septivank/meter-sync/internal/syncerr"
	"github.com/shopspring/decimal"
)

// MeterTx is a transaction holding the row lock of one meter. All sync path
// writes for a candidate go through it and commit together.
type MeterTx struct {
	tx    pgx.Tx
	meter db.Meter
}

// WithMeterTx locks the meter row and runs fn inside one transaction. The
// transaction commits when fn returns nil and rolls back otherwise. A meter that
// does not exist yields syncerr.ErrMeterNotFound.
func (r *Repository) WithMeterTx(ctx context.Context, meterID uuid.UUID, fn func(ctx context.Context, tx *MeterTx) error) (err error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if r.lockTimeout > 0 {
		timeout := fmt.Sprintf("%dms", r.lockTimeout.Milliseconds())
		if _, err = tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, timeout); err != nil {
			return Classify(fmt.Errorf("failed to set lock timeout: %w", err))
		}
	}

	meter, err := lockMeter(ctx, tx, meterID)
	if err != nil {
		return err
	}

	if err = fn(ctx, &MeterTx{tx: tx, meter: *meter}); err != nil {
		return Classify(err)
	}

	if err = tx.Commit(ctx); err != nil {
		return Classify(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

func lockMeter(ctx context.Context, tx pgx.Tx, meterID uuid.UUID) (*db.Meter, error) {
	query := `
		SELECT id, external_code, status, latitude, longitude, metadata,
		       previous_value, last_reading_at, created_at
		FROM meters
		WHERE id = $1
		FOR UPDATE
	`

	var m db.Meter
	var previous pgtype.Numeric
	err := tx.QueryRow(ctx, query, meterID).Scan(
		&m.ID,
		&m.ExternalCode,
		&m.Status,
		&m.Latitude,
		&m.Longitude,
		&m.Metadata,
		&previous,
		&m.LastReadingAt,
		&m.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("meter %s: %w", meterID, syncerr.ErrMeterNotFound)
	}
	if err != nil {
		return nil, Classify(fmt.Errorf("failed to lock meter: %w", err))
	}
	m.PreviousValue = numericToDecimal(previous)
	return &m, nil
}

// Meter returns the locked meter row
func (t *MeterTx) Meter() db.Meter {
	return t.meter
}

// Dedup returns the stored decision for an idempotency key of the locked meter
func (t *MeterTx) Dedup(ctx context.Context, idempotencyKey string) (*db.DedupRecord, error) {
	query := `
		SELECT meter_id, idempotency_key, device_id, outcome, canonical_id, revision, reason, created_at
		FROM reading_dedup
		WHERE meter_id = $1 AND idempotency_key = $2
	`

	var rec db.DedupRecord
	err := t.tx.QueryRow(ctx, query, t.meter.ID, idempotencyKey).Scan(
		&rec.MeterID,
		&rec.IdempotencyKey,
		&rec.DeviceID,
		&rec.Outcome,
		&rec.CanonicalID,
		&rec.Revision,
		&rec.Reason,
		&rec.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query dedup record: %w", err)
	}
	return &rec, nil
}

// LatestCanonical returns the highest revision of the locked meter, nil if none
func (t *MeterTx) LatestCanonical(ctx context.Context) (*db.CanonicalReading, error) {
	query := `
		SELECT id, meter_id, revision, value, captured_at, accepted_at, device_id,
		       idempotency_key, outcome, superseded_id, latitude, longitude, photos
		FROM canonical_readings
		WHERE meter_id = $1
		ORDER BY revision DESC
		LIMIT 1
	`

	var cr db.CanonicalReading
	var value pgtype.Numeric
	err := t.tx.QueryRow(ctx, query, t.meter.ID).Scan(
		&cr.ID,
		&cr.MeterID,
		&cr.Revision,
		&value,
		&cr.CapturedAt,
		&cr.AcceptedAt,
		&cr.DeviceID,
		&cr.IdempotencyKey,
		&cr.Outcome,
		&cr.SupersededID,
		&cr.Latitude,
		&cr.Longitude,
		&cr.Photos,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query canonical reading: %w", err)
	}
	if v := numericToDecimal(value); v != nil {
		cr.Value = *v
	}
	return &cr, nil
}

// InsertCanonical appends a canonical reading and returns its id
func (t *MeterTx) InsertCanonical(ctx context.Context, cr *db.CanonicalReading) (int64, error) {
	if cr.MeterID != t.meter.ID {
		return 0, fmt.Errorf("canonical reading for meter %s written under lock of %s", cr.MeterID, t.meter.ID)
	}

	query := `
		INSERT INTO canonical_readings (
			meter_id, revision, value, captured_at, accepted_at, device_id,
			idempotency_key, outcome, superseded_id, latitude, longitude, photos
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`

	photos := cr.Photos
	if photos == nil {
		photos = []string{}
	}

	var id int64
	err := t.tx.QueryRow(ctx, query,
		cr.MeterID,
		cr.Revision,
		decimalToNumeric(cr.Value),
		cr.CapturedAt,
		cr.AcceptedAt,
		cr.DeviceID,
		cr.IdempotencyKey,
		cr.Outcome,
		cr.SupersededID,
		cr.Latitude,
		cr.Longitude,
		photos,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert canonical reading: %w", err)
	}
	cr.ID = id
	return id, nil
}

// TouchMeter records when the meter last got an accepted reading
func (t *MeterTx) TouchMeter(ctx context.Context, at time.Time) error {
	_, err := t.tx.Exec(ctx, `UPDATE meters SET last_reading_at = $1 WHERE id = $2`, at, t.meter.ID)
	if err != nil {
		return fmt.Errorf("failed to update meter last_reading_at: %w", err)
	}
	return nil
}

// InsertDedup stores the decision for an idempotency key
func (t *MeterTx) InsertDedup(ctx context.Context, rec *db.DedupRecord) error {
	query := `
		INSERT INTO reading_dedup (
			meter_id, idempotency_key, device_id, outcome, canonical_id, revision, reason, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := t.tx.Exec(ctx, query,
		rec.MeterID,
		rec.IdempotencyKey,
		rec.DeviceID,
		rec.Outcome,
		rec.CanonicalID,
		rec.Revision,
		rec.Reason,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert dedup record: %w", err)
	}
	return nil
}

// InsertOutbox appends an outbox entry in the meter transaction
func (t *MeterTx) InsertOutbox(ctx context.Context, e *db.OutboxEntry) (int64, error) {
	return insertOutbox(ctx, t.tx, e)
}

func numericToDecimal(n pgtype.Numeric) *decimal.Decimal {
	if !n.Valid || n.NaN || n.Int == nil {
		return nil
	}
	d := decimal.NewFromBigInt(n.Int, n.Exp)
	return &d
}

func decimalToNumeric(d decimal.Decimal) pgtype.Numeric {
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}
