package dedup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/septivank/meter-sync/internal/reading"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRedis struct {
	values map[string]string
	ttls   map[string]time.Duration
	err    error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{values: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	if f.err != nil {
		return redis.NewStringResult("", f.err)
	}
	v, ok := f.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.values[key] = string(value.([]byte))
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func TestRedisCache_RoundTrip(t *testing.T) {
	fake := newFakeRedis()
	cache := NewRedisCache(fake, 24*time.Hour)
	ctx := context.Background()
	rev := int64(3)
	res := reading.Result{
		IdempotencyKey:    "k-9",
		MeterID:           uuid.MustParse("3e2d1c0b-4a5f-4e6d-8c7b-9a0f1e2d3c4b"),
		Outcome:           reading.OutcomeAcceptedNew,
		CanonicalRevision: &rev,
	}

	missing, err := cache.Get(ctx, "device-a", "k-9")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, cache.Put(ctx, "device-a", res))
	assert.Equal(t, 24*time.Hour, fake.ttls["dedup:device-a:k-9"])

	got, err := cache.Get(ctx, "device-a", "k-9")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, res, *got)

	other, err := cache.Get(ctx, "device-b", "k-9")
	require.NoError(t, err)
	assert.Nil(t, other)
}

func TestRedisCache_Errors(t *testing.T) {
	fake := newFakeRedis()
	fake.err = errors.New("connection refused")
	cache := NewRedisCache(fake, time.Hour)

	_, err := cache.Get(context.Background(), "device-a", "k")
	assert.ErrorContains(t, err, "connection refused")
	assert.Error(t, cache.Put(context.Background(), "device-a", reading.Result{IdempotencyKey: "k"}))
}

func TestRedisCache_CorruptEntry(t *testing.T) {
	fake := newFakeRedis()
	fake.values["dedup:device-a:k"] = "{not json"

	_, err := NewRedisCache(fake, time.Hour).Get(context.Background(), "device-a", "k")
	assert.ErrorContains(t, err, "decode")
}

func TestNopCache(t *testing.T) {
	var c NopCache
	require.NoError(t, c.Put(context.Background(), "d", reading.Result{IdempotencyKey: "k"}))
	got, err := c.Get(context.Background(), "d", "k")
	assert.NoError(t, err)
	assert.Nil(t, got)
}
