package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wudi/edgegate/internal/config"
)

// fixedWindowScript increments a window counter capped at limit+1. The
// window starts at the first hit, when the key gets its expiry.
// Returns: [count, ttlMillis]
var fixedWindowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

local count = tonumber(redis.call('GET', key) or '0')
if count <= limit then
    count = redis.call('INCR', key)
end

local ttl = redis.call('PTTL', key)
if ttl < 0 then
    redis.call('PEXPIRE', key, window)
    ttl = window
end
return {count, ttl}
`)

// RedisStore keeps counters in Redis so every gateway instance shares them.
type RedisStore struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisClient creates a client from config.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, now: time.Now}
}

func (s *RedisStore) Increment(ctx context.Context, key string, limit int64, window time.Duration) (Counter, error) {
	windowMs := window.Milliseconds()
	if windowMs <= 0 {
		windowMs = 1
	}

	result, err := fixedWindowScript.Run(ctx, s.client, []string{key}, limit, windowMs).Int64Slice()
	if err != nil {
		return Counter{}, fmt.Errorf("redis increment %s: %w", key, err)
	}
	if len(result) != 2 {
		return Counter{}, fmt.Errorf("redis increment %s: unexpected reply %v", key, result)
	}

	resetAt := s.now().Add(time.Duration(result[1]) * time.Millisecond)
	return Counter{
		Key:         key,
		Count:       result[0],
		Limit:       limit,
		Window:      window,
		WindowStart: resetAt.Add(-window),
		ResetAt:     resetAt,
	}, nil
}

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
