// Package ingest reconciles device batches with the canonical store.
//
// Candidates of one meter are resolved one at a time in capture order, each in
// its own transaction that also appends the outbox entry. Different meters are
// processed in parallel.
package ingest

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/septivank/meter-sync/internal/db"
	"github.com/septivank/meter-sync/internal/logging"
	"github.com/septivank/meter-sync/internal/outbox"
	"github.com/septivank/meter-sync/internal/reading"
	"github.com/septivank/meter-sync/internal/resolver"
	"github.com/septivank/meter-sync/internal/syncerr"
	"github.com/septivank/meter-sync/internal/validator"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Tx is a transaction holding the lock of one meter
type Tx interface {
	outbox.Writer
	Meter() db.Meter
	Dedup(ctx context.Context, idempotencyKey string) (*db.DedupRecord, error)
	LatestCanonical(ctx context.Context) (*db.CanonicalReading, error)
	InsertCanonical(ctx context.Context, cr *db.CanonicalReading) (int64, error)
	TouchMeter(ctx context.Context, at time.Time) error
	InsertDedup(ctx context.Context, rec *db.DedupRecord) error
}

// Store runs fn in a transaction that locks meterID. Nothing fn wrote survives
// unless it returns nil. Unknown meters yield syncerr.ErrMeterNotFound.
type Store interface {
	WithMeterTx(ctx context.Context, meterID uuid.UUID, fn func(ctx context.Context, tx Tx) error) error
}

// DecisionCache answers replays without touching the store
type DecisionCache interface {
	Get(ctx context.Context, deviceID, idempotencyKey string) (*reading.Result, error)
	Put(ctx context.Context, deviceID string, res reading.Result) error
}

// Config holds coordinator settings
type Config struct {
	MaxParallelMeters int
	LockRetries       int
	StorageRetries    int
	RetryBaseDelay    time.Duration
	RetryMaxDelay     time.Duration
}

// Coordinator runs sync batches through validation, resolution and persistence
type Coordinator struct {
	store     Store
	resolver  *resolver.Resolver
	validator *validator.Validator
	recorder  *outbox.Recorder
	cache     DecisionCache
	config    Config
	logger    *zap.Logger
	now       func() time.Time
}

// NewCoordinator creates a new coordinator
func NewCoordinator(
	store Store,
	resolver *resolver.Resolver,
	validator *validator.Validator,
	recorder *outbox.Recorder,
	cache DecisionCache,
	config Config,
	logger *zap.Logger,
) *Coordinator {
	return &Coordinator{
		store:     store,
		resolver:  resolver,
		validator: validator,
		recorder:  recorder,
		cache:     cache,
		config:    config,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// IngestBatch resolves a device batch and returns one result per candidate in
// submission order. When ctx is cancelled the results of committed candidates
// are returned together with ctx.Err(); unprocessed candidates are omitted.
func (c *Coordinator) IngestBatch(ctx context.Context, deviceID string, candidates []reading.Candidate) ([]reading.Result, error) {
	logger := logging.WithDevice(c.logger, deviceID)

	validationErrs, err := c.validator.ValidateBatch(deviceID, candidates, c.now())
	if err != nil {
		return nil, err
	}

	results := make([]*reading.Result, len(candidates))
	groups := make(map[uuid.UUID][]int)
	for i, cand := range candidates {
		if validationErrs[i] != nil {
			res := invalid(cand, invalidReason(validationErrs[i]))
			results[i] = &res
			continue
		}
		if cached := c.cached(ctx, logger, deviceID, cand); cached != nil {
			results[i] = cached
			continue
		}
		groups[cand.MeterID] = append(groups[cand.MeterID], i)
	}

	var g errgroup.Group
	g.SetLimit(c.config.MaxParallelMeters)
	for _, idxs := range groups {
		idxs := idxs
		sort.SliceStable(idxs, func(a, b int) bool {
			ca, cb := candidates[idxs[a]], candidates[idxs[b]]
			return resolver.Ordering{CapturedAt: ca.CapturedAt, DeviceID: deviceID, IdempotencyKey: ca.IdempotencyKey}.
				Before(resolver.Ordering{CapturedAt: cb.CapturedAt, DeviceID: deviceID, IdempotencyKey: cb.IdempotencyKey})
		})

		g.Go(func() error {
			for _, i := range idxs {
				if ctx.Err() != nil {
					return nil
				}
				res, err := c.process(ctx, logger, deviceID, candidates[i])
				if err != nil {
					return nil
				}
				results[i] = res
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]reading.Result, 0, len(candidates))
	for _, res := range results {
		if res != nil {
			out = append(out, *res)
		}
	}

	if len(out) < len(candidates) {
		if err := ctx.Err(); err != nil {
			logger.Warn("sync batch interrupted",
				zap.Int("processed", len(out)),
				zap.Int("submitted", len(candidates)),
				zap.Error(err),
			)
			return out, err
		}
	}
	return out, nil
}

func (c *Coordinator) cached(ctx context.Context, logger *zap.Logger, deviceID string, cand reading.Candidate) *reading.Result {
	res, err := c.cache.Get(ctx, deviceID, cand.IdempotencyKey)
	if err != nil {
		logger.Warn("dedup cache lookup failed", zap.Error(err), zap.String("idempotency_key", cand.IdempotencyKey))
		return nil
	}
	if res == nil || res.MeterID != cand.MeterID {
		return nil
	}
	res.Replayed = true
	return res
}

// process applies one candidate, retrying lock contention and transient
// storage failures. It only returns an error when ctx is done.
func (c *Coordinator) process(ctx context.Context, logger *zap.Logger, deviceID string, cand reading.Candidate) (*reading.Result, error) {
	logger = logger.With(
		zap.String("idempotency_key", cand.IdempotencyKey),
		zap.String("meter_id", cand.MeterID.String()),
	)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.RetryBaseDelay
	b.MaxInterval = c.config.RetryMaxDelay
	b.MaxElapsedTime = 0
	retry := backoff.WithContext(b, ctx)
	retry.Reset()

	busy, unavailable := 0, 0
	for {
		res, err := c.apply(ctx, deviceID, cand)
		if err == nil {
			c.remember(ctx, logger, deviceID, res)
			return &res, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		switch {
		case errors.Is(err, syncerr.ErrMeterNotFound):
			res := invalid(cand, reading.ReasonMeterNotFound)
			return &res, nil
		case errors.Is(err, syncerr.ErrConflictBusy):
			busy++
			if busy > c.config.LockRetries {
				logger.Warn("meter lock contention exhausted retries", zap.Int("attempts", busy), zap.Error(err))
				res := transient(cand, reading.OutcomeConflictBusy)
				return &res, nil
			}
		case errors.Is(err, syncerr.ErrStorageUnavailable):
			unavailable++
			if unavailable > c.config.StorageRetries {
				logger.Error("storage unavailable, giving up on candidate", zap.Int("attempts", unavailable), zap.Error(err))
				res := transient(cand, reading.OutcomeStorageUnavailable)
				return &res, nil
			}
		case errors.Is(err, syncerr.ErrValidation):
			logger.Warn("store refused candidate value", zap.Error(err))
			res := invalid(cand, reading.ReasonUnstorableValue)
			return &res, nil
		default:
			logger.Error("failed to apply candidate", zap.Error(err))
			res := transient(cand, reading.OutcomeStorageUnavailable)
			return &res, nil
		}

		wait := retry.NextBackOff()
		if wait == backoff.Stop {
			return nil, ctx.Err()
		}
		logger.Debug("retrying candidate", zap.Duration("backoff", wait), zap.Error(err))

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// apply resolves and persists one candidate in a single meter transaction
func (c *Coordinator) apply(ctx context.Context, deviceID string, cand reading.Candidate) (reading.Result, error) {
	var res reading.Result
	err := c.store.WithMeterTx(ctx, cand.MeterID, func(ctx context.Context, tx Tx) error {
		meter := tx.Meter()
		if meter.Status == db.MeterStatusInactive {
			res = invalid(cand, reading.ReasonMeterInactive)
			return nil
		}

		rec, err := tx.Dedup(ctx, cand.IdempotencyKey)
		if err != nil {
			return err
		}
		var current *db.CanonicalReading
		if rec == nil {
			if current, err = tx.LatestCanonical(ctx); err != nil {
				return err
			}
		}

		now := c.now()
		in := resolver.Input{
			Candidate: cand,
			DeviceID:  deviceID,
			Current:   current,
			Replay:    resolver.FromDedup(rec),
			Baseline:  meter.PreviousValue,
			Now:       now,
		}
		d := c.resolver.Resolve(in)
		res = d.Result(cand)
		if d.Replayed {
			return nil
		}

		canonicalID := d.CanonicalID
		if d.Writes() {
			id, err := tx.InsertCanonical(ctx, d.Canonical)
			if err != nil {
				return err
			}
			canonicalID = &id
			if err := tx.TouchMeter(ctx, now); err != nil {
				return err
			}
		}

		if err := tx.InsertDedup(ctx, d.DedupRecord(in, canonicalID)); err != nil {
			return err
		}

		_, err = c.recorder.Record(ctx, tx, outbox.Event{
			Type:       outbox.EventTypeFor(d.Outcome),
			MeterID:    cand.MeterID,
			OccurredAt: now,
			Payload:    readingPayload(deviceID, cand, d, canonicalID, current),
		})
		return err
	})
	return res, err
}

func (c *Coordinator) remember(ctx context.Context, logger *zap.Logger, deviceID string, res reading.Result) {
	if res.Outcome != reading.OutcomeRejectedStale && !res.Outcome.IsCanonical() {
		return
	}
	if err := c.cache.Put(ctx, deviceID, res); err != nil {
		logger.Warn("dedup cache write failed", zap.Error(err))
	}
}

func readingPayload(deviceID string, cand reading.Candidate, d resolver.Decision, canonicalID *int64, current *db.CanonicalReading) outbox.ReadingPayload {
	p := outbox.ReadingPayload{
		IdempotencyKey: cand.IdempotencyKey,
		DeviceID:       deviceID,
		Outcome:        d.Outcome,
		Value:          cand.Value,
		CapturedAt:     cand.CapturedAt,
		CanonicalID:    canonicalID,
		SupersededID:   d.SupersededID,
		Reason:         d.Reason,
		Photos:         cand.Photos,
		Geo:            cand.Geo,
	}
	if d.Outcome.IsCanonical() {
		rev := d.Revision
		p.Revision = &rev
	}
	if current != nil {
		prev := current.Value
		p.PreviousValue = &prev
	}
	return p
}

func invalid(cand reading.Candidate, reason string) reading.Result {
	return reading.Result{
		IdempotencyKey: cand.IdempotencyKey,
		MeterID:        cand.MeterID,
		Outcome:        reading.OutcomeRejectedInvalid,
		Reason:         reason,
	}
}

func transient(cand reading.Candidate, outcome reading.Outcome) reading.Result {
	return reading.Result{
		IdempotencyKey: cand.IdempotencyKey,
		MeterID:        cand.MeterID,
		Outcome:        outcome,
	}
}

func invalidReason(err error) string {
	var ve *syncerr.ValidationError
	if errors.As(err, &ve) {
		if ve.Reason == reading.ReasonDuplicateInBatch || ve.Field == "" {
			return ve.Reason
		}
		return ve.Field + ": " + ve.Reason
	}
	return err.Error()
}
