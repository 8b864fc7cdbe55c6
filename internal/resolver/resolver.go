// Package resolver decides how a candidate reading reconciles with the current
// canonical reading of its meter.
//
// The resolver is pure: it performs no I/O and reads no clock. Callers pass the
// current canonical reading, the replayed dedup decision (if any) and the server
// time, and persist the returned Decision inside their own transaction.
//
// Ordering is last-writer-wins by device capture time. Equal capture times are
// broken by device id, then idempotency key, lexically; the greater pair wins.
package resolver

import (
	"time"

	"github.com/septivank/meter-sync/internal/anomaly"
	"github.com/septivank/meter-sync/internal/db"
	"github.com/septivank/meter-sync/internal/reading"
	"github.com/shopspring/decimal"
)

// Kind is the class of a resolver decision
type Kind string

const (
	KindAccept      Kind = "accept"
	KindSupersede   Kind = "supersede"
	KindRejectStale Kind = "reject_stale"
	KindMerge       Kind = "merge"
)

// Input carries everything the resolver may look at
type Input struct {
	Candidate reading.Candidate
	DeviceID  string
	// Current is the latest canonical reading of the meter, nil if none
	Current *db.CanonicalReading
	// Replay is the decision already stored for this idempotency key, nil if none
	Replay *Decision
	// Baseline is the meter's imported previous value, used when Current is nil
	Baseline *decimal.Decimal
	Now      time.Time
}

// Decision is the outcome of resolving one candidate
type Decision struct {
	Kind    Kind
	Outcome reading.Outcome
	// Canonical is the reading to insert for Accept and Supersede
	Canonical *db.CanonicalReading
	// Revision is the canonical revision the device should adopt; zero for rejections
	Revision     int64
	CanonicalID  *int64
	SupersededID *int64
	Reason       string
	Replayed     bool
}

// Writes reports whether the decision creates a new canonical reading
func (d Decision) Writes() bool {
	return !d.Replayed && (d.Kind == KindAccept || d.Kind == KindSupersede)
}

// Resolver applies the reconciliation policy
type Resolver struct {
	detector *anomaly.Detector
}

// New creates a resolver using detector for value sanity bounds
func New(detector *anomaly.Detector) *Resolver {
	return &Resolver{detector: detector}
}

// Resolve computes the decision for one candidate
func (r *Resolver) Resolve(in Input) Decision {
	if in.Replay != nil {
		d := *in.Replay
		d.Canonical = nil
		d.Replayed = true
		return d
	}

	c := in.Candidate
	cur := in.Current
	if cur == nil {
		return r.win(in, KindAccept, 1, in.Baseline, nil)
	}

	switch c.CapturedAt.Compare(cur.CapturedAt) {
	case 1:
		next := cur.Revision + 1
		// Only a device that saw an older revision overrides; no marker reads as new
		if c.ObservedRevision != nil && *c.ObservedRevision < cur.Revision {
			return r.win(in, KindSupersede, next, &cur.Value, &cur.ID)
		}
		return r.win(in, KindAccept, next, &cur.Value, nil)

	case -1:
		if c.ObservedRevision != nil && *c.ObservedRevision < cur.Revision && c.CapturedAt.Before(cur.AcceptedAt) {
			return reject(reading.ReasonStaleRevision)
		}
		return reject(reading.ReasonOlderCapture)

	default:
		if c.Value.Equal(cur.Value) {
			id := cur.ID
			return Decision{
				Kind:        KindMerge,
				Outcome:     reading.OutcomeMerged,
				Revision:    cur.Revision,
				CanonicalID: &id,
			}
		}
		if winsTieBreak(in.DeviceID, c.IdempotencyKey, cur.DeviceID, cur.IdempotencyKey) {
			return r.win(in, KindSupersede, cur.Revision+1, &cur.Value, &cur.ID)
		}
		return reject(reading.ReasonTieBreak)
	}
}

// win builds the canonical reading for a candidate that won ordering, unless
// it fails the value sanity bounds
func (r *Resolver) win(in Input, kind Kind, revision int64, prior *decimal.Decimal, supersededID *int64) Decision {
	if bad, reason := r.detector.Check(in.Candidate.Value, prior); bad {
		return reject(reason)
	}

	outcome := reading.OutcomeAcceptedNew
	if kind == KindSupersede {
		outcome = reading.OutcomeAcceptedOverride
	}

	c := in.Candidate
	canonical := &db.CanonicalReading{
		MeterID:        c.MeterID,
		Revision:       revision,
		Value:          c.Value,
		CapturedAt:     c.CapturedAt,
		AcceptedAt:     in.Now,
		DeviceID:       in.DeviceID,
		IdempotencyKey: c.IdempotencyKey,
		Outcome:        outcome,
		SupersededID:   copyID(supersededID),
		Photos:         append([]string(nil), c.Photos...),
	}
	if c.Geo != nil {
		lat, lon := c.Geo.Latitude, c.Geo.Longitude
		canonical.Latitude = &lat
		canonical.Longitude = &lon
	}

	return Decision{
		Kind:         kind,
		Outcome:      outcome,
		Canonical:    canonical,
		Revision:     revision,
		SupersededID: copyID(supersededID),
	}
}

func reject(reason string) Decision {
	return Decision{
		Kind:    KindRejectStale,
		Outcome: reading.OutcomeRejectedStale,
		Reason:  reason,
	}
}

func winsTieBreak(device, key, curDevice, curKey string) bool {
	if device != curDevice {
		return device > curDevice
	}
	return key > curKey
}

// Ordering is the position of a candidate in resolution order
type Ordering struct {
	CapturedAt     time.Time
	DeviceID       string
	IdempotencyKey string
}

// Before reports whether o resolves ahead of other
func (o Ordering) Before(other Ordering) bool {
	if !o.CapturedAt.Equal(other.CapturedAt) {
		return o.CapturedAt.Before(other.CapturedAt)
	}
	if o.DeviceID != other.DeviceID {
		return o.DeviceID < other.DeviceID
	}
	return o.IdempotencyKey < other.IdempotencyKey
}

func copyID(id *int64) *int64 {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}

// FromDedup rebuilds the stored decision for an idempotency key
func FromDedup(rec *db.DedupRecord) *Decision {
	if rec == nil {
		return nil
	}
	d := &Decision{
		Outcome:     rec.Outcome,
		CanonicalID: copyID(rec.CanonicalID),
		Reason:      rec.Reason,
	}
	if rec.Revision != nil {
		d.Revision = *rec.Revision
	}
	switch rec.Outcome {
	case reading.OutcomeAcceptedNew:
		d.Kind = KindAccept
	case reading.OutcomeAcceptedOverride:
		d.Kind = KindSupersede
	case reading.OutcomeMerged:
		d.Kind = KindMerge
	default:
		d.Kind = KindRejectStale
	}
	return d
}

// DedupRecord converts a decision into the record stored in the dedup index.
// canonicalID is the id assigned to the inserted reading, if any.
func (d Decision) DedupRecord(in Input, canonicalID *int64) *db.DedupRecord {
	rec := &db.DedupRecord{
		MeterID:        in.Candidate.MeterID,
		IdempotencyKey: in.Candidate.IdempotencyKey,
		DeviceID:       in.DeviceID,
		Outcome:        d.Outcome,
		CanonicalID:    copyID(canonicalID),
		Reason:         d.Reason,
		CreatedAt:      in.Now,
	}
	if rec.CanonicalID == nil {
		rec.CanonicalID = copyID(d.CanonicalID)
	}
	if d.Outcome.IsCanonical() {
		rev := d.Revision
		rec.Revision = &rev
	}
	return rec
}

// Result converts a decision into the per-item answer for the device
func (d Decision) Result(c reading.Candidate) reading.Result {
	res := reading.Result{
		IdempotencyKey: c.IdempotencyKey,
		MeterID:        c.MeterID,
		Outcome:        d.Outcome,
		Reason:         d.Reason,
		Replayed:       d.Replayed,
	}
	if d.Outcome.IsCanonical() {
		rev := d.Revision
		res.CanonicalRevision = &rev
	}
	return res
}
