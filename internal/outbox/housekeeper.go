package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HousekeepingStore removes data that outlived its retention
type HousekeepingStore interface {
	ArchivePublished(ctx context.Context, cutoff time.Time) (int64, error)
	EvictDedup(ctx context.Context, cutoff time.Time) (int64, error)
}

// HousekeeperConfig holds retention horizons
type HousekeeperConfig struct {
	Interval         time.Duration
	ArchiveRetention time.Duration
	DedupRetention   time.Duration
}

// Housekeeper archives published entries and evicts old dedup records
type Housekeeper struct {
	store  HousekeepingStore
	config HousekeeperConfig
	logger *zap.Logger
	now    func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHousekeeper creates a new housekeeper
func NewHousekeeper(store HousekeepingStore, config HousekeeperConfig, logger *zap.Logger) *Housekeeper {
	return &Housekeeper{store: store, config: config, logger: logger, now: time.Now}
}

// Start launches the periodic cleanup loop
func (h *Housekeeper) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()

		ticker := time.NewTicker(h.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := h.RunOnce(ctx); err != nil && ctx.Err() == nil {
					h.logger.Error("housekeeping failed", zap.Error(err))
				}
			}
		}
	}()
	return nil
}

// Stop ends the loop
func (h *Housekeeper) Stop(ctx context.Context) error {
	if h.cancel != nil {
		h.cancel()
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce performs one archive and eviction pass
func (h *Housekeeper) RunOnce(ctx context.Context) error {
	now := h.now()
	var errs []error

	archiveCutoff := now.Add(-h.config.ArchiveRetention)
	archived, err := h.store.ArchivePublished(ctx, archiveCutoff)
	if err != nil {
		errs = append(errs, fmt.Errorf("archive published entries: %w", err))
	} else if archived > 0 {
		h.logger.Info("archived published outbox entries",
			zap.Int64("archived", archived),
			zap.Time("cutoff", archiveCutoff),
		)
	}

	dedupCutoff := now.Add(-h.config.DedupRetention)
	evicted, err := h.store.EvictDedup(ctx, dedupCutoff)
	if err != nil {
		errs = append(errs, fmt.Errorf("evict dedup records: %w", err))
	} else if evicted > 0 {
		h.logger.Info("evicted dedup records",
			zap.Int64("evicted", evicted),
			zap.Time("cutoff", dedupCutoff),
		)
	}

	return errors.Join(errs...)
}
