package outbox

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/septivank/meter-sync/internal/db"
	"github.com/septivank/meter-sync/internal/syncerr"
	"github.com/septivank/meter-sync/internal/taskqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memStore mirrors the claim and lease rules of the SQL outbox
type memStore struct {
	mu      sync.Mutex
	entries map[int64]*db.OutboxEntry
	nextID  int64
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[int64]*db.OutboxEntry)}
}

func (s *memStore) InsertOutbox(_ context.Context, e *db.OutboxEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	e.ID = s.nextID
	cp := *e
	s.entries[e.ID] = &cp
	return e.ID, nil
}

func (s *memStore) add(t *testing.T, n int, maxAttempts int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := s.InsertOutbox(context.Background(), &db.OutboxEntry{
			EventType:    EventReadingAccepted,
			AggregateKey: "meter-1",
			Payload:      []byte(fmt.Sprintf(`{"n":%d}`, i)),
			Status:       db.OutboxUnpublished,
			MaxAttempts:  maxAttempts,
		})
		require.NoError(t, err)
	}
}

func (s *memStore) ClaimOutbox(_ context.Context, workerID string, limit int, now time.Time, lease time.Duration) ([]db.OutboxEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int64, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []db.OutboxEntry
	for _, id := range ids {
		if len(out) == limit {
			break
		}
		e := s.entries[id]
		eligible := e.Status == db.OutboxUnpublished ||
			(e.Status == db.OutboxFailed && e.AttemptCount < e.MaxAttempts && e.NextAttemptAt != nil && !e.NextAttemptAt.After(now)) ||
			(e.Status == db.OutboxPublishing && e.LeaseExpiresAt != nil && e.LeaseExpiresAt.Before(now))
		if !eligible {
			continue
		}
		w := workerID
		expires := now.Add(lease)
		at := now
		e.Status = db.OutboxPublishing
		e.ClaimedBy = &w
		e.LeaseExpiresAt = &expires
		e.LastAttemptAt = &at
		out = append(out, *e)
	}
	return out, nil
}

func (s *memStore) RenewLease(_ context.Context, id int64, workerID string, now time.Time, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[id]
	if e == nil || e.Status != db.OutboxPublishing || e.ClaimedBy == nil || *e.ClaimedBy != workerID {
		return fmt.Errorf("outbox entry %d: %w", id, syncerr.ErrClaimLost)
	}
	expires := now.Add(lease)
	e.LeaseExpiresAt = &expires
	return nil
}

func (s *memStore) MarkPublished(_ context.Context, id int64, workerID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[id]
	if e == nil || e.Status != db.OutboxPublishing || e.ClaimedBy == nil || *e.ClaimedBy != workerID {
		return fmt.Errorf("outbox entry %d: %w", id, syncerr.ErrClaimLost)
	}
	e.Status = db.OutboxPublished
	e.PublishedAt = &at
	e.ClaimedBy = nil
	e.LeaseExpiresAt = nil
	return nil
}

func (s *memStore) MarkFailed(_ context.Context, id int64, workerID string, lastErr string, next time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[id]
	if e == nil || e.Status != db.OutboxPublishing || e.ClaimedBy == nil || *e.ClaimedBy != workerID {
		return false, fmt.Errorf("outbox entry %d: %w", id, syncerr.ErrClaimLost)
	}
	e.AttemptCount++
	e.Status = db.OutboxFailed
	e.LastError = &lastErr
	e.ClaimedBy = nil
	e.LeaseExpiresAt = nil
	if e.AttemptCount >= e.MaxAttempts {
		e.NextAttemptAt = nil
	} else {
		e.NextAttemptAt = &next
	}
	return e.Exhausted(), nil
}

func (s *memStore) get(id int64) db.OutboxEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.entries[id]
}

func (s *memStore) countStatus(status db.OutboxStatus) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.Status == status {
			n++
		}
	}
	return n
}

// fakePublisher records confirmed messages and fails while failing is set
type fakePublisher struct {
	mu        sync.Mutex
	published []taskqueue.Message
	failing   bool
	onPublish func(msg taskqueue.Message)
}

func (p *fakePublisher) Publish(ctx context.Context, msg taskqueue.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing {
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, msg)
	if p.onPublish != nil {
		p.onPublish(msg)
	}
	return nil
}

func (p *fakePublisher) Close() error { return nil }

func (p *fakePublisher) setFailing(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failing = v
}

func (p *fakePublisher) ids() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]int64, len(p.published))
	for i, m := range p.published {
		ids[i] = m.ID
	}
	return ids
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testRelayConfig() RelayConfig {
	return RelayConfig{
		Workers:        2,
		BatchSize:      10,
		PollInterval:   10 * time.Millisecond,
		PublishTimeout: time.Second,
		LeaseDuration:  30 * time.Second,
		BackoffBase:    time.Second,
		BackoffMax:     time.Minute,
	}
}

func newTestRelay(store Store, pub taskqueue.Publisher, clock *fakeClock) *Relay {
	r := NewRelay(store, pub, testRelayConfig(), zap.NewNop())
	r.now = clock.Now
	return r
}

func TestRelay_PublishesInIDOrder(t *testing.T) {
	store := newMemStore()
	store.add(t, 5, 3)
	pub := &fakePublisher{}
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}

	n, err := newTestRelay(store, pub, clock).RunOnce(context.Background(), "worker-a")

	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, pub.ids())
	assert.Equal(t, 5, store.countStatus(db.OutboxPublished))

	msg := pub.published[0]
	assert.Equal(t, "1", msg.MessageID())
	assert.Equal(t, EventReadingAccepted, msg.Type)
	assert.Equal(t, "meter-1", msg.Key)
}

func TestRelay_FailureSchedulesRetryWithBackoff(t *testing.T) {
	store := newMemStore()
	store.add(t, 1, 3)
	pub := &fakePublisher{failing: true}
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	relay := newTestRelay(store, pub, clock)
	ctx := context.Background()

	_, err := relay.RunOnce(ctx, "worker-a")
	require.NoError(t, err)

	e := store.get(1)
	assert.Equal(t, db.OutboxFailed, e.Status)
	assert.Equal(t, 1, e.AttemptCount)
	require.NotNil(t, e.NextAttemptAt)
	assert.Equal(t, clock.Now().Add(time.Second), *e.NextAttemptAt)
	require.NotNil(t, e.LastError)
	assert.Contains(t, *e.LastError, "broker unavailable")

	// Not due yet
	n, err := relay.RunOnce(ctx, "worker-a")
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(time.Second)
	_, err = relay.RunOnce(ctx, "worker-a")
	require.NoError(t, err)
	e = store.get(1)
	assert.Equal(t, 2, e.AttemptCount)
	assert.Equal(t, clock.Now().Add(2*time.Second), *e.NextAttemptAt)

	// Broker is back
	pub.setFailing(false)
	clock.Advance(2 * time.Second)
	_, err = relay.RunOnce(ctx, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, db.OutboxPublished, store.get(1).Status)
}

func TestRelay_ExhaustedEntryIsTerminal(t *testing.T) {
	store := newMemStore()
	store.add(t, 1, 2)
	pub := &fakePublisher{failing: true}
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	relay := newTestRelay(store, pub, clock)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := relay.RunOnce(ctx, "worker-a")
		require.NoError(t, err)
		clock.Advance(time.Hour)
	}

	e := store.get(1)
	assert.Equal(t, db.OutboxFailed, e.Status)
	assert.True(t, e.Exhausted())
	assert.Nil(t, e.NextAttemptAt)

	pub.setFailing(false)
	n, err := relay.RunOnce(ctx, "worker-a")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, pub.ids())
}

func TestRelay_RestartMidPublishDeliversAtLeastOnce(t *testing.T) {
	store := newMemStore()
	store.add(t, 3, 5)
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	ctx := context.Background()

	// First process claims a batch, publishes entry 1 and dies before marking it
	crashed := &fakePublisher{}
	claimed, err := store.ClaimOutbox(ctx, "worker-dead", 10, clock.Now(), testRelayConfig().LeaseDuration)
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	require.NoError(t, crashed.Publish(ctx, taskqueue.Message{ID: claimed[0].ID}))

	pub := &fakePublisher{}
	relay := newTestRelay(store, pub, clock)

	// Lease still held
	n, err := relay.RunOnce(ctx, "worker-new")
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(31 * time.Second)
	n, err = relay.RunOnce(ctx, "worker-new")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []int64{1, 2, 3}, pub.ids())
	assert.Equal(t, 3, store.countStatus(db.OutboxPublished))

	// The dead worker's late confirmation is rejected
	err = store.MarkPublished(ctx, 1, "worker-dead", clock.Now())
	assert.ErrorIs(t, err, syncerr.ErrClaimLost)
}

func TestRelay_SlowBatchIsNotPublishedTwice(t *testing.T) {
	store := newMemStore()
	store.add(t, 3, 5)
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	ctx := context.Background()

	pubB := &fakePublisher{}
	relayB := newTestRelay(store, pubB, clock)

	// Each publish by worker A takes 20s, so the batch outlives its 30s claim
	pubA := &fakePublisher{}
	var claimedByB int
	pubA.onPublish = func(msg taskqueue.Message) {
		clock.Advance(20 * time.Second)
		if msg.ID == 2 {
			n, err := relayB.RunOnce(ctx, "worker-b")
			require.NoError(t, err)
			claimedByB = n
		}
	}
	relayA := newTestRelay(store, pubA, clock)

	n, err := relayA.RunOnce(ctx, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.Equal(t, 1, claimedByB, "only the entry whose lease lapsed is reclaimed")
	assert.Equal(t, []int64{1, 2}, pubA.ids())
	assert.Equal(t, []int64{3}, pubB.ids())
	assert.Equal(t, 3, store.countStatus(db.OutboxPublished))
}

func TestRelay_ConcurrentWorkersDoNotDoublePublish(t *testing.T) {
	store := newMemStore()
	store.add(t, 200, 3)
	pub := &fakePublisher{}
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}

	relays := []*Relay{
		newTestRelay(store, pub, clock),
		newTestRelay(store, pub, clock),
		newTestRelay(store, pub, clock),
	}

	var wg sync.WaitGroup
	for i, r := range relays {
		wg.Add(1)
		go func(r *Relay, worker string) {
			defer wg.Done()
			for {
				n, err := r.RunOnce(context.Background(), worker)
				if err != nil || n == 0 {
					return
				}
			}
		}(r, fmt.Sprintf("worker-%d", i))
	}
	wg.Wait()

	ids := pub.ids()
	assert.Len(t, ids, 200)
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		assert.False(t, seen[id], "entry %d published twice", id)
		seen[id] = true
	}
	assert.Equal(t, 200, store.countStatus(db.OutboxPublished))
}

func TestRelay_StartStop(t *testing.T) {
	store := newMemStore()
	store.add(t, 25, 3)
	done := make(chan struct{})
	var once sync.Once
	pub := &fakePublisher{}
	pub.onPublish = func(msg taskqueue.Message) {
		if msg.ID == 25 {
			once.Do(func() { close(done) })
		}
	}

	relay := NewRelay(store, pub, testRelayConfig(), zap.NewNop())
	require.NoError(t, relay.Start(context.Background()))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not drain the outbox")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, relay.Stop(stopCtx))

	assert.Eventually(t, func() bool {
		return store.countStatus(db.OutboxPublished) == 25
	}, time.Second, 10*time.Millisecond)
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{4, 8 * time.Second},
		{7, time.Minute},
		{60, time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Backoff(tt.attempt, time.Second, time.Minute), "attempt %d", tt.attempt)
	}
}
