// Package quota arbitrates monthly usage against tenant plans. Usage
// reads go through a fast cache, then an authoritative snapshot, then a
// full ledger count; decisions apply a soft-overage band bounded by a
// hard cap.
package quota

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Conservative defaults applied when a tenant has no plan row.
const (
	DefaultMonthlyLimit      = 1000
	DefaultHardCapMultiplier = 2.0
)

// Plan is a tenant's monthly quota configuration.
type Plan struct {
	TenantID          string
	MonthlyLimit      int64
	SoftLimitEnabled  bool
	HardCapMultiplier float64
}

// DefaultPlan returns the conservative plan used when no row exists:
// low limit, soft overage disabled.
func DefaultPlan(tenantID string) Plan {
	return Plan{
		TenantID:          tenantID,
		MonthlyLimit:      DefaultMonthlyLimit,
		SoftLimitEnabled:  false,
		HardCapMultiplier: DefaultHardCapMultiplier,
	}
}

// HardCap returns the absolute ceiling above which events are rejected
// even with soft limits enabled.
func (p Plan) HardCap() int64 {
	return int64(math.Floor(float64(p.MonthlyLimit) * p.HardCapMultiplier))
}

// PlanStore reads tenant plans from PostgreSQL.
type PlanStore struct {
	db *sql.DB
}

// NewPlanStore creates a PlanStore and ensures its table exists.
func NewPlanStore(db *sql.DB) (*PlanStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	s := &PlanStore{db: db}
	if err := s.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure tenant_plans table: %w", err)
	}
	return s, nil
}

func (s *PlanStore) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS tenant_plans (
		tenant_id VARCHAR(255) PRIMARY KEY,
		monthly_limit BIGINT NOT NULL,
		soft_limit_enabled BOOLEAN NOT NULL DEFAULT FALSE,
		hard_cap_multiplier DOUBLE PRECISION NOT NULL DEFAULT 2.0,
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);
	`
	_, err := s.db.Exec(query)
	return err
}

// Get returns the tenant's plan, or the conservative default when no
// row exists.
func (s *PlanStore) Get(ctx context.Context, tenantID string) (Plan, error) {
	query := `
		SELECT tenant_id, monthly_limit, soft_limit_enabled, hard_cap_multiplier
		FROM tenant_plans
		WHERE tenant_id = $1
	`
	p := Plan{}
	err := s.db.QueryRowContext(ctx, query, tenantID).Scan(
		&p.TenantID, &p.MonthlyLimit, &p.SoftLimitEnabled, &p.HardCapMultiplier,
	)
	if err == sql.ErrNoRows {
		return DefaultPlan(tenantID), nil
	}
	if err != nil {
		return Plan{}, fmt.Errorf("failed to get tenant plan: %w", err)
	}
	if p.HardCapMultiplier <= 0 {
		p.HardCapMultiplier = DefaultHardCapMultiplier
	}
	return p, nil
}

// Upsert creates or replaces a tenant's plan.
func (s *PlanStore) Upsert(ctx context.Context, plan Plan) error {
	query := `
		INSERT INTO tenant_plans (tenant_id, monthly_limit, soft_limit_enabled, hard_cap_multiplier, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (tenant_id) DO UPDATE
		SET monthly_limit = EXCLUDED.monthly_limit,
		    soft_limit_enabled = EXCLUDED.soft_limit_enabled,
		    hard_cap_multiplier = EXCLUDED.hard_cap_multiplier,
		    updated_at = NOW()
	`
	if _, err := s.db.ExecContext(ctx, query,
		plan.TenantID, plan.MonthlyLimit, plan.SoftLimitEnabled, plan.HardCapMultiplier,
	); err != nil {
		return fmt.Errorf("failed to upsert tenant plan: %w", err)
	}
	return nil
}

// PlanProvider is the read interface the engine and gate depend on.
type PlanProvider interface {
	Get(ctx context.Context, tenantID string) (Plan, error)
}

// CachedPlanStore wraps a PlanProvider with a short per-process TTL
// cache. Plans are read-mostly; no cross-process coordination is
// needed for refresh.
type CachedPlanStore struct {
	inner PlanProvider
	cache *expirable.LRU[string, Plan]
}

// NewCachedPlanStore wraps inner with an expiring LRU of the given size
// and TTL.
func NewCachedPlanStore(inner PlanProvider, size int, ttl time.Duration) *CachedPlanStore {
	if size <= 0 {
		size = 1024
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CachedPlanStore{
		inner: inner,
		cache: expirable.NewLRU[string, Plan](size, nil, ttl),
	}
}

// Get returns the cached plan, falling through to the inner store on
// miss.
func (c *CachedPlanStore) Get(ctx context.Context, tenantID string) (Plan, error) {
	if plan, ok := c.cache.Get(tenantID); ok {
		return plan, nil
	}
	plan, err := c.inner.Get(ctx, tenantID)
	if err != nil {
		return Plan{}, err
	}
	c.cache.Add(tenantID, plan)
	return plan, nil
}

// Invalidate drops a tenant's cached plan.
func (c *CachedPlanStore) Invalidate(tenantID string) {
	c.cache.Remove(tenantID)
}
