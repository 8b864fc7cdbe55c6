package repository

import (
	"context"
	"fmt"
	"time"
)

// DailyReport summarizes one UTC day of sync activity
type DailyReport struct {
	Day              time.Time
	TotalMeters      int64
	ActiveMeters     int64
	MetersReporting  int64
	ReadingsAccepted int64
	ReadingsMerged   int64
	ReadingsRejected int64
	OutboxPublished  int64
	OutboxFailures   int64
}

// DailyReport aggregates meters, readings and outbox delivery for the day containing day
func (r *Repository) DailyReport(ctx context.Context, day time.Time) (*DailyReport, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 1)

	query := `
		SELECT
			(SELECT count(*) FROM meters),
			(SELECT count(*) FROM meters WHERE status = 'active'),
			(SELECT count(DISTINCT meter_id) FROM canonical_readings WHERE accepted_at >= $1 AND accepted_at < $2),
			(SELECT count(*) FROM canonical_readings WHERE accepted_at >= $1 AND accepted_at < $2),
			(SELECT count(*) FROM reading_dedup WHERE outcome = 'merged' AND created_at >= $1 AND created_at < $2),
			(SELECT count(*) FROM reading_dedup WHERE outcome = 'rejected_stale' AND created_at >= $1 AND created_at < $2),
			(SELECT count(*) FROM outbox_entries WHERE published_at >= $1 AND published_at < $2)
				+ (SELECT count(*) FROM outbox_archive WHERE published_at >= $1 AND published_at < $2),
			(SELECT count(*) FROM outbox_entries WHERE status = 'failed' AND last_attempt_at >= $1 AND last_attempt_at < $2)
	`

	rep := DailyReport{Day: start}
	err := r.pool.QueryRow(ctx, query, start, end).Scan(
		&rep.TotalMeters,
		&rep.ActiveMeters,
		&rep.MetersReporting,
		&rep.ReadingsAccepted,
		&rep.ReadingsMerged,
		&rep.ReadingsRejected,
		&rep.OutboxPublished,
		&rep.OutboxFailures,
	)
	if err != nil {
		return nil, Classify(fmt.Errorf("failed to build daily report: %w", err))
	}
	return &rep, nil
}
