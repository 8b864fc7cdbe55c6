// Package dedup caches resolved decisions so that replayed batches can be
// answered without taking meter locks. The reading_dedup table stays
// authoritative; a cache miss or error always falls through to it.
package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/septivank/meter-sync/internal/reading"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyPrefix = "dedup:"

// redisClient is the subset of *redis.Client used by the cache
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisCache stores results keyed by device and idempotency key
type RedisCache struct {
	client redisClient
	ttl    time.Duration
}

// NewRedisCache creates a cache whose entries live for ttl
func NewRedisCache(client redisClient, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func cacheKey(deviceID, idempotencyKey string) string {
	return keyPrefix + deviceID + ":" + idempotencyKey
}

// Get returns the cached result, if any
func (c *RedisCache) Get(ctx context.Context, deviceID, idempotencyKey string) (*reading.Result, error) {
	raw, err := c.client.Get(ctx, cacheKey(deviceID, idempotencyKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read dedup cache: %w", err)
	}

	var res reading.Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("failed to decode dedup cache entry: %w", err)
	}
	return &res, nil
}

// Put stores a persisted result
func (c *RedisCache) Put(ctx context.Context, deviceID string, res reading.Result) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to encode dedup cache entry: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(deviceID, res.IdempotencyKey), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write dedup cache: %w", err)
	}
	return nil
}

// NopCache never remembers anything
type NopCache struct{}

// Get always misses
func (NopCache) Get(context.Context, string, string) (*reading.Result, error) { return nil, nil }

// Put discards the result
func (NopCache) Put(context.Context, string, reading.Result) error { return nil }

// ClientConfig holds redis connection settings
type ClientConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewClient creates a redis client bound to the fx lifecycle
func NewClient(lc fx.Lifecycle, logger *zap.Logger, cfg ClientConfig) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := client.Ping(ctx).Err(); err != nil {
				logger.Error("redis ping failed", zap.Error(err), zap.String("addr", cfg.Addr))
				return fmt.Errorf("[REDIS CONNECTION FAILED] cannot reach redis at %s: %w", cfg.Addr, err)
			}
			logger.Info("redis connection established", zap.String("addr", cfg.Addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("closing redis connection")
			return client.Close()
		},
	})

	return client
}
