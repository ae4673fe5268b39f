package edge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RateLimitConfig holds fixed-window rate limit settings.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// DefaultRateLimitConfig returns the per-tenant ingest default.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		RequestsPerWindow: 600,
		WindowDuration:    time.Minute,
	}
}

// RateLimiter implements tenant-scoped rate limiting using Redis, so
// limits hold across edge instances. This is a non-financial gate: it
// runs before any ledger interaction and fails open on Redis errors.
type RateLimiter struct {
	redis  *redis.Client
	config *RateLimitConfig
	prefix string
}

// NewRateLimiter creates a Redis-backed rate limiter.
func NewRateLimiter(redisClient *redis.Client, config *RateLimitConfig, prefix string) *RateLimiter {
	if config == nil {
		config = DefaultRateLimitConfig()
	}
	if prefix == "" {
		prefix = "ratelimit:ingest"
	}
	return &RateLimiter{
		redis:  redisClient,
		config: config,
		prefix: prefix,
	}
}

// Allow counts one request against the key's current fixed window and
// reports whether it fits the limit. The window TTL is set only when
// the counter is first created; refreshing it on every hit would keep
// a steady sender's window open forever and the accumulated counter
// would lock the tenant out permanently. On Redis error it fails open
// (allows the request) so a cache outage cannot take down ingestion.
func (rl *RateLimiter) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := fmt.Sprintf("%s:%s", rl.prefix, key)

	pipe := rl.redis.Pipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.ExpireNX(ctx, redisKey, rl.config.WindowDuration)
	if _, err := pipe.Exec(ctx); err != nil {
		return true, fmt.Errorf("redis error: %w", err)
	}

	return incr.Val() <= int64(rl.config.RequestsPerWindow), nil
}

// Remaining reports how many requests the key has left before the
// window closes. A missing counter means a fresh, untouched window.
func (rl *RateLimiter) Remaining(ctx context.Context, key string) (int, error) {
	redisKey := fmt.Sprintf("%s:%s", rl.prefix, key)

	count, err := rl.redis.Get(ctx, redisKey).Int()
	if errors.Is(err, redis.Nil) {
		return rl.config.RequestsPerWindow, nil
	}
	if err != nil {
		return 0, err
	}

	remaining := rl.config.RequestsPerWindow - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// TTL reports how long until the key's window closes. Feeds the
// Retry-After header on 429 responses.
func (rl *RateLimiter) TTL(ctx context.Context, key string) (time.Duration, error) {
	redisKey := fmt.Sprintf("%s:%s", rl.prefix, key)
	return rl.redis.TTL(ctx, redisKey).Result()
}

// Reset drops the key's window immediately.
func (rl *RateLimiter) Reset(ctx context.Context, key string) error {
	redisKey := fmt.Sprintf("%s:%s", rl.prefix, key)
	return rl.redis.Del(ctx, redisKey).Err()
}

// Limit returns the configured window size.
func (rl *RateLimiter) Limit() int {
	return rl.config.RequestsPerWindow
}
