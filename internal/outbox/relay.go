package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/septivank/meter-sync/internal/db"
	"github.com/septivank/meter-sync/internal/syncerr"
	"github.com/septivank/meter-sync/internal/taskqueue"
	"go.uber.org/zap"
)

// Store is the outbox persistence used by the relay
type Store interface {
	ClaimOutbox(ctx context.Context, workerID string, limit int, now time.Time, lease time.Duration) ([]db.OutboxEntry, error)
	RenewLease(ctx context.Context, id int64, workerID string, now time.Time, lease time.Duration) error
	MarkPublished(ctx context.Context, id int64, workerID string, at time.Time) error
	MarkFailed(ctx context.Context, id int64, workerID string, lastErr string, nextAttempt time.Time) (bool, error)
}

// RelayConfig holds configuration for the relay worker pool
type RelayConfig struct {
	Workers        int
	BatchSize      int
	PollInterval   time.Duration
	PublishTimeout time.Duration
	LeaseDuration  time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
}

// Relay moves committed outbox entries to the task queue. Each worker claims a
// batch under a lease, so several relay processes can share one outbox. The
// lease of an entry is renewed right before it is published; an entry whose
// claim was taken over in the meantime is skipped.
type Relay struct {
	store     Store
	publisher taskqueue.Publisher
	config    RelayConfig
	logger    *zap.Logger
	now       func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRelay creates a new relay
func NewRelay(store Store, publisher taskqueue.Publisher, config RelayConfig, logger *zap.Logger) *Relay {
	return &Relay{
		store:     store,
		publisher: publisher,
		config:    config,
		logger:    logger,
		now:       time.Now,
	}
}

// Start launches the worker loops
func (r *Relay) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	for i := 0; i < r.config.Workers; i++ {
		workerID := uuid.NewString()
		r.wg.Add(1)
		go r.workerLoop(ctx, workerID)
	}

	r.logger.Info("outbox relay started",
		zap.Int("workers", r.config.Workers),
		zap.Int("batch_size", r.config.BatchSize),
		zap.Duration("poll_interval", r.config.PollInterval),
		zap.Duration("lease", r.config.LeaseDuration),
	)
	return nil
}

// Stop cancels the workers and waits for in-flight publishes to settle
func (r *Relay) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("outbox relay stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Relay) workerLoop(ctx context.Context, workerID string) {
	defer r.wg.Done()

	logger := r.logger.With(zap.String("worker_id", workerID))
	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	for {
		n, err := r.RunOnce(ctx, workerID)
		if err != nil && ctx.Err() == nil {
			logger.Error("outbox relay pass failed", zap.Error(err))
		}
		// A full batch means more work is likely waiting
		if err == nil && n == r.config.BatchSize {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch for workerID and publishes it in id order.
// It returns the number of entries claimed.
func (r *Relay) RunOnce(ctx context.Context, workerID string) (int, error) {
	entries, err := r.store.ClaimOutbox(ctx, workerID, r.config.BatchSize, r.now(), r.config.LeaseDuration)
	if err != nil {
		return 0, fmt.Errorf("failed to claim outbox entries: %w", err)
	}

	for _, e := range entries {
		// Unpublished claims are picked up again once the lease expires
		if err := ctx.Err(); err != nil {
			return len(entries), err
		}
		r.deliver(ctx, workerID, e)
	}
	return len(entries), nil
}

func (r *Relay) deliver(ctx context.Context, workerID string, e db.OutboxEntry) {
	logger := r.logger.With(
		zap.String("worker_id", workerID),
		zap.Int64("entry_id", e.ID),
		zap.String("event_type", e.EventType),
	)

	if err := r.store.RenewLease(ctx, e.ID, workerID, r.now(), r.config.LeaseDuration); err != nil {
		if errors.Is(err, syncerr.ErrClaimLost) {
			logger.Debug("outbox entry reclaimed by another worker, skipping")
			return
		}
		logger.Warn("failed to renew outbox lease, entry is retried after the lease expires", zap.Error(err))
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, r.config.PublishTimeout)
	pubErr := r.publisher.Publish(pubCtx, taskqueue.Message{
		ID:        e.ID,
		Type:      e.EventType,
		Key:       e.AggregateKey,
		Body:      e.Payload,
		CreatedAt: e.CreatedAt,
	})
	cancel()

	// Status updates must land even when shutdown cancelled ctx mid-publish
	markCtx, markCancel := context.WithTimeout(context.WithoutCancel(ctx), r.config.PublishTimeout)
	defer markCancel()

	if pubErr == nil {
		if err := r.store.MarkPublished(markCtx, e.ID, workerID, r.now()); err != nil {
			if errors.Is(err, syncerr.ErrClaimLost) {
				logger.Warn("outbox entry claim lost after publish, consumers will see a duplicate", zap.Error(err))
				return
			}
			logger.Error("failed to mark outbox entry published", zap.Error(err))
			return
		}
		logger.Debug("outbox entry published")
		return
	}

	attempt := e.AttemptCount + 1
	next := r.now().Add(Backoff(attempt, r.config.BackoffBase, r.config.BackoffMax))
	exhausted, err := r.store.MarkFailed(markCtx, e.ID, workerID, pubErr.Error(), next)
	if err != nil {
		logger.Error("failed to record outbox publish failure", zap.Error(err), zap.NamedError("publish_error", pubErr))
		return
	}

	if exhausted {
		logger.Error("outbox entry moved to dead letter state",
			zap.Error(fmt.Errorf("%w: %w", syncerr.ErrRelayPermanentFailure, pubErr)),
			zap.Int("attempts", attempt),
			zap.String("aggregate_key", e.AggregateKey),
		)
		return
	}
	logger.Warn("outbox publish failed, will retry",
		zap.Error(fmt.Errorf("%w: %w", syncerr.ErrRelayDeliveryFailed, pubErr)),
		zap.Int("attempt", attempt),
		zap.Time("next_attempt_at", next),
	)
}

// Backoff returns the delay before retry number attempt (1-based):
// base doubled per previous attempt, capped at limit.
func Backoff(attempt int, base, limit time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		if d >= limit/2 {
			return limit
		}
		d *= 2
	}
	if d > limit {
		return limit
	}
	return d
}
