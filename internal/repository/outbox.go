package repository

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/septivank/meter-sync/internal/db"
	"github.com/septivank/meter-sync/internal/syncerr"
)

const outboxColumns = `id, event_type, aggregate_key, payload, status, attempt_count, max_attempts,
	last_attempt_at, next_attempt_at, last_error, claimed_by, lease_expires_at, published_at, created_at`

// OutboxStats counts outbox entries per state
type OutboxStats struct {
	Unpublished     int64
	Publishing      int64
	Published       int64
	Failed          int64
	Dead            int64
	OldestPendingAt *time.Time
}

func insertOutbox(ctx context.Context, q querier, e *db.OutboxEntry) (int64, error) {
	query := `
		INSERT INTO outbox_entries (event_type, aggregate_key, payload, status, max_attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`

	status := e.Status
	if status == "" {
		status = db.OutboxUnpublished
	}

	var id int64
	err := q.QueryRow(ctx, query,
		e.EventType,
		e.AggregateKey,
		[]byte(e.Payload),
		status,
		e.MaxAttempts,
		e.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	e.ID = id
	e.Status = status
	return id, nil
}

func scanOutbox(row pgx.Row) (*db.OutboxEntry, error) {
	var e db.OutboxEntry
	var payload []byte
	err := row.Scan(
		&e.ID,
		&e.EventType,
		&e.AggregateKey,
		&payload,
		&e.Status,
		&e.AttemptCount,
		&e.MaxAttempts,
		&e.LastAttemptAt,
		&e.NextAttemptAt,
		&e.LastError,
		&e.ClaimedBy,
		&e.LeaseExpiresAt,
		&e.PublishedAt,
		&e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Payload = payload
	return &e, nil
}

func collectOutbox(rows pgx.Rows) ([]db.OutboxEntry, error) {
	defer rows.Close()

	var entries []db.OutboxEntry
	for rows.Next() {
		e, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox entry: %w", err)
		}
		entries = append(entries, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return entries, nil
}

// ClaimOutbox leases up to limit eligible entries to workerID. Eligible are
// unpublished entries, failed entries due for retry and publishing entries
// whose lease expired. Entries are returned in ascending id order.
func (r *Repository) ClaimOutbox(ctx context.Context, workerID string, limit int, now time.Time, lease time.Duration) ([]db.OutboxEntry, error) {
	query := `
		WITH eligible AS (
			SELECT id
			FROM outbox_entries
			WHERE status = 'unpublished'
			   OR (status = 'failed' AND attempt_count < max_attempts AND next_attempt_at <= $1)
			   OR (status = 'publishing' AND lease_expires_at < $1)
			ORDER BY id
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_entries o
		SET status = 'publishing',
		    claimed_by = $3,
		    lease_expires_at = $4,
		    last_attempt_at = $1
		FROM eligible
		WHERE o.id = eligible.id
		RETURNING o.id, o.event_type, o.aggregate_key, o.payload, o.status, o.attempt_count, o.max_attempts,
		          o.last_attempt_at, o.next_attempt_at, o.last_error, o.claimed_by, o.lease_expires_at,
		          o.published_at, o.created_at
	`

	rows, err := r.pool.Query(ctx, query, now, limit, workerID, now.Add(lease))
	if err != nil {
		return nil, Classify(fmt.Errorf("failed to claim outbox entries: %w", err))
	}
	entries, err := collectOutbox(rows)
	if err != nil {
		return nil, Classify(err)
	}
	// UPDATE ... RETURNING does not keep the CTE order
	slices.SortFunc(entries, func(a, b db.OutboxEntry) int {
		return cmp.Compare(a.ID, b.ID)
	})
	return entries, nil
}

// RenewLease extends the lease of an entry still claimed by workerID
func (r *Repository) RenewLease(ctx context.Context, id int64, workerID string, now time.Time, lease time.Duration) error {
	query := `
		UPDATE outbox_entries
		SET lease_expires_at = $3
		WHERE id = $1 AND claimed_by = $2 AND status = 'publishing'
	`

	tag, err := r.pool.Exec(ctx, query, id, workerID, now.Add(lease))
	if err != nil {
		return Classify(fmt.Errorf("failed to renew lease of outbox entry %d: %w", id, err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox entry %d: %w", id, syncerr.ErrClaimLost)
	}
	return nil
}

// MarkPublished records the broker confirmation for an entry still claimed by workerID
func (r *Repository) MarkPublished(ctx context.Context, id int64, workerID string, at time.Time) error {
	query := `
		UPDATE outbox_entries
		SET status = 'published',
		    published_at = $3,
		    claimed_by = NULL,
		    lease_expires_at = NULL,
		    last_error = NULL
		WHERE id = $1 AND claimed_by = $2 AND status = 'publishing'
	`

	tag, err := r.pool.Exec(ctx, query, id, workerID, at)
	if err != nil {
		return Classify(fmt.Errorf("failed to mark outbox entry %d published: %w", id, err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("outbox entry %d: %w", id, syncerr.ErrClaimLost)
	}
	return nil
}

// MarkFailed records a failed publish attempt. nextAttempt is ignored once the
// attempt budget is used up; the entry then stays failed until requeued.
// It reports whether the entry is now terminally failed.
func (r *Repository) MarkFailed(ctx context.Context, id int64, workerID string, lastErr string, nextAttempt time.Time) (bool, error) {
	query := `
		UPDATE outbox_entries
		SET status = 'failed',
		    attempt_count = attempt_count + 1,
		    last_error = $3,
		    next_attempt_at = CASE WHEN attempt_count + 1 >= max_attempts THEN NULL ELSE $4::timestamptz END,
		    claimed_by = NULL,
		    lease_expires_at = NULL
		WHERE id = $1 AND claimed_by = $2 AND status = 'publishing'
		RETURNING attempt_count >= max_attempts
	`

	var exhausted bool
	err := r.pool.QueryRow(ctx, query, id, workerID, lastErr, nextAttempt).Scan(&exhausted)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("outbox entry %d: %w", id, syncerr.ErrClaimLost)
	}
	if err != nil {
		return false, Classify(fmt.Errorf("failed to mark outbox entry %d failed: %w", id, err))
	}
	return exhausted, nil
}

// ListDead returns terminally failed entries, oldest first
func (r *Repository) ListDead(ctx context.Context, limit int) ([]db.OutboxEntry, error) {
	query := `
		SELECT ` + outboxColumns + `
		FROM outbox_entries
		WHERE status = 'failed' AND attempt_count >= max_attempts
		ORDER BY id
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, Classify(fmt.Errorf("failed to list dead outbox entries: %w", err))
	}
	return collectOutbox(rows)
}

// Requeue resets terminally failed entries so the relay picks them up again.
// With no ids every dead entry is requeued.
func (r *Repository) Requeue(ctx context.Context, ids []int64) (int64, error) {
	query := `
		UPDATE outbox_entries
		SET status = 'unpublished',
		    attempt_count = 0,
		    next_attempt_at = NULL,
		    last_error = NULL
		WHERE status = 'failed'
		  AND attempt_count >= max_attempts
		  AND (cardinality($1::bigint[]) = 0 OR id = ANY($1::bigint[]))
	`

	if ids == nil {
		ids = []int64{}
	}
	tag, err := r.pool.Exec(ctx, query, ids)
	if err != nil {
		return 0, Classify(fmt.Errorf("failed to requeue outbox entries: %w", err))
	}
	return tag.RowsAffected(), nil
}

// Stats counts outbox entries per state
func (r *Repository) Stats(ctx context.Context) (*OutboxStats, error) {
	query := `
		SELECT
			count(*) FILTER (WHERE status = 'unpublished'),
			count(*) FILTER (WHERE status = 'publishing'),
			count(*) FILTER (WHERE status = 'published'),
			count(*) FILTER (WHERE status = 'failed' AND attempt_count < max_attempts),
			count(*) FILTER (WHERE status = 'failed' AND attempt_count >= max_attempts),
			min(created_at) FILTER (WHERE status <> 'published')
		FROM outbox_entries
	`

	var s OutboxStats
	err := r.pool.QueryRow(ctx, query).Scan(
		&s.Unpublished,
		&s.Publishing,
		&s.Published,
		&s.Failed,
		&s.Dead,
		&s.OldestPendingAt,
	)
	if err != nil {
		return nil, Classify(fmt.Errorf("failed to query outbox stats: %w", err))
	}
	return &s, nil
}

// ArchivePublished moves published entries older than cutoff into outbox_archive
func (r *Repository) ArchivePublished(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		WITH moved AS (
			DELETE FROM outbox_entries
			WHERE status = 'published' AND published_at < $1
			RETURNING ` + outboxColumns + `
		)
		INSERT INTO outbox_archive (` + outboxColumns + `)
		SELECT ` + outboxColumns + ` FROM moved
	`

	tag, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, Classify(fmt.Errorf("failed to archive outbox entries: %w", err))
	}
	return tag.RowsAffected(), nil
}

// EvictDedup drops dedup records older than cutoff
func (r *Repository) EvictDedup(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM reading_dedup WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, Classify(fmt.Errorf("failed to evict dedup records: %w", err))
	}
	return tag.RowsAffected(), nil
}
