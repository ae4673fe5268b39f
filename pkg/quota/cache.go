package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/platinummonkey/tollgate/pkg/billing"
)

// UsageCache is the fast, best-effort usage counter in Redis. It is
// never authoritative: it may be stale or absent, and every write
// failure is survivable because the reconciliation job heals drift.
type UsageCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewUsageCache creates a usage cache. Keys expire after ttl so stale
// periods age out on their own.
func NewUsageCache(client *redis.Client, ttl time.Duration) *UsageCache {
	if ttl <= 0 {
		ttl = 40 * 24 * time.Hour
	}
	return &UsageCache{
		client: client,
		ttl:    ttl,
		prefix: "usage",
	}
}

func (c *UsageCache) key(tenantID string, period billing.Period) string {
	return fmt.Sprintf("%s:%s:%s", c.prefix, tenantID, period.String())
}

// Get returns the cached count for (tenant, period). The second return
// is false on a cache miss.
func (c *UsageCache) Get(ctx context.Context, tenantID string, period billing.Period) (int64, bool, error) {
	count, err := c.client.Get(ctx, c.key(tenantID, period)).Int64()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("usage cache get failed: %w", err)
	}
	return count, true, nil
}

// Incr adds one to the counter. A single atomic increment; callers
// treat failure as best-effort and must not fail the request on it.
func (c *UsageCache) Incr(ctx context.Context, tenantID string, period billing.Period) error {
	key := c.key(tenantID, period)

	pipe := c.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("usage cache incr failed: %w", err)
	}
	return nil
}

// Set overwrites the counter with an authoritative value. Used by the
// reconciliation job to repair drift; ingestion never calls this.
func (c *UsageCache) Set(ctx context.Context, tenantID string, period billing.Period, count int64) error {
	if err := c.client.Set(ctx, c.key(tenantID, period), count, c.ttl).Err(); err != nil {
		return fmt.Errorf("usage cache set failed: %w", err)
	}
	return nil
}

// Ping checks cache connectivity, for health checks.
func (c *UsageCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
