package quota

import (
	"context"
	"fmt"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/event"
	"github.com/platinummonkey/tollgate/pkg/observability"
)

// Source identifies which tier of the getUsage fallback chain answered.
// Callers mark responses degraded when the cache tier was skipped.
type Source string

const (
	SourceCache    Source = "cache"
	SourceSnapshot Source = "snapshot"
	SourceLedger   Source = "ledger"
)

// Usage is a usage figure plus the tier that produced it.
type Usage struct {
	Count  int64
	Source Source
}

// Degraded reports whether the fast cache path was skipped.
func (u Usage) Degraded() bool {
	return u.Source != SourceCache
}

// Decision is the outcome of evaluating a plan against usage. Remaining
// is reported on every decision, allow or reject.
type Decision struct {
	Allowed   bool
	Overage   bool
	Reason    event.QuotaReason
	Remaining int64
}

// AuthoritativeCounter is the final fallback tier: a full billable
// count from the ledger.
type AuthoritativeCounter interface {
	CountBillable(ctx context.Context, tenantID string, period billing.Period) (int64, error)
}

// Engine resolves usage through the cache, snapshot, ledger chain and
// evaluates quota decisions.
type Engine struct {
	cache     *UsageCache
	snapshots *SnapshotStore
	ledger    AuthoritativeCounter
	logger    *observability.Logger
}

// NewEngine creates a quota engine.
func NewEngine(cache *UsageCache, snapshots *SnapshotStore, ledger AuthoritativeCounter, logger *observability.Logger) *Engine {
	return &Engine{
		cache:     cache,
		snapshots: snapshots,
		ledger:    ledger,
		logger:    logger,
	}
}

// Usage returns the tenant's usage for the period and which tier
// answered. Cache unavailability is a degraded mode, not a failure:
// the chain falls through to the snapshot and finally the ledger.
func (e *Engine) Usage(ctx context.Context, tenantID string, period billing.Period) (Usage, error) {
	if e.cache != nil {
		count, hit, err := e.cache.Get(ctx, tenantID, period)
		if err != nil {
			e.logger.WithError(err).WithField("tenant_id", tenantID).
				Warn("usage cache unavailable, falling back to snapshot")
		} else if hit {
			return Usage{Count: count, Source: SourceCache}, nil
		}
	}

	if e.snapshots != nil {
		snap, err := e.snapshots.Get(ctx, tenantID, period)
		if err != nil {
			e.logger.WithError(err).WithField("tenant_id", tenantID).
				Warn("snapshot read failed, falling back to ledger count")
		} else if snap != nil {
			return Usage{Count: snap.EventCount, Source: SourceSnapshot}, nil
		}
	}

	count, err := e.ledger.CountBillable(ctx, tenantID, period)
	if err != nil {
		return Usage{}, fmt.Errorf("authoritative usage count failed: %w", err)
	}
	return Usage{Count: count, Source: SourceLedger}, nil
}

// BestEffortIncrement bumps the usage cache after a successful accept.
// Failure is logged and swallowed: the reconciliation job exists
// precisely to heal cache drift.
func (e *Engine) BestEffortIncrement(ctx context.Context, tenantID string, period billing.Period) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Incr(ctx, tenantID, period); err != nil {
		e.logger.WithError(err).WithFields(map[string]interface{}{
			"tenant_id":      tenantID,
			"billing_period": period.String(),
		}).Warn("best-effort usage increment failed")
	}
}

// Evaluate applies the plan to a usage figure. Pure and monotonic in
// usage: a higher usage never yields a more permissive decision.
func Evaluate(plan Plan, usage int64) Decision {
	remaining := plan.MonthlyLimit - usage
	if remaining < 0 {
		remaining = 0
	}

	if usage < plan.MonthlyLimit {
		return Decision{Allowed: true, Remaining: remaining}
	}

	if plan.SoftLimitEnabled {
		if usage >= plan.HardCap() {
			return Decision{Allowed: false, Reason: event.ReasonHardCapExceeded, Remaining: remaining}
		}
		return Decision{Allowed: true, Overage: true, Remaining: remaining}
	}

	return Decision{Allowed: false, Reason: event.ReasonMonthlyLimitExceeded, Remaining: remaining}
}
