package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/septivank/meter-sync/internal/db"
)

// Writer appends outbox entries inside the caller's transaction
type Writer interface {
	InsertOutbox(ctx context.Context, e *db.OutboxEntry) (int64, error)
}

// Recorder turns events into outbox entries. It never talks to the task queue;
// the entry becomes visible to the relay only when the caller's transaction commits.
type Recorder struct {
	maxAttempts int
	newID       func() uuid.UUID
}

// NewRecorder creates a recorder; maxAttempts is the publish budget of each entry
func NewRecorder(maxAttempts int) *Recorder {
	return &Recorder{maxAttempts: maxAttempts, newID: uuid.New}
}

// Record serializes ev and appends it through w
func (r *Recorder) Record(ctx context.Context, w Writer, ev Event) (*db.OutboxEntry, error) {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", ev.Type, err)
	}

	body, err := json.Marshal(Envelope{
		EventID:    r.newID(),
		EventType:  ev.Type,
		OccurredAt: ev.OccurredAt.UTC(),
		MeterID:    ev.MeterID,
		Payload:    payload,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s envelope: %w", ev.Type, err)
	}

	entry := &db.OutboxEntry{
		EventType:    ev.Type,
		AggregateKey: ev.MeterID.String(),
		Payload:      body,
		Status:       db.OutboxUnpublished,
		MaxAttempts:  r.maxAttempts,
		CreatedAt:    ev.OccurredAt,
	}
	if _, err := w.InsertOutbox(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}
