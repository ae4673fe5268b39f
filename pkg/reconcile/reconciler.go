// Package reconcile contains the periodic healing jobs: usage
// reconciliation and ledger retention cleanup. Both repair state; they
// never gate ingestion.
package reconcile

import (
	"context"
	"fmt"
	"math"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/idempotency"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/quota"
)

// Alerter receives drift findings above the threshold. External
// collaborator; nil disables alerting.
type Alerter interface {
	DriftDetected(ctx context.Context, tenantID string, period billing.Period, drift float64)
}

// TenantDrift is one tenant's reconciliation finding.
type TenantDrift struct {
	TenantID      string  `json:"tenant_id"`
	Cached        int64   `json:"cached"`
	Authoritative int64   `json:"authoritative"`
	Drift         float64 `json:"drift"`
}

// RunResult reports one reconciliation page.
type RunResult struct {
	Period     billing.Period `json:"-"`
	NextCursor string         `json:"next_cursor,omitempty"`
	Drifts     []TenantDrift  `json:"drifts"`
}

// Reconciler recomputes authoritative monthly counts from the ledger,
// refreshes snapshots, and repairs the usage cache.
type Reconciler struct {
	ledger         *idempotency.Ledger
	snapshots      *quota.SnapshotStore
	cache          *quota.UsageCache
	alerter        Alerter
	logger         *observability.Logger
	metrics        *observability.Metrics
	driftThreshold float64
}

// NewReconciler creates a reconciler. driftThreshold is the relative
// drift above which a tenant is surfaced to the alerter.
func NewReconciler(ledger *idempotency.Ledger, snapshots *quota.SnapshotStore, cache *quota.UsageCache, alerter Alerter, logger *observability.Logger, metrics *observability.Metrics, driftThreshold float64) *Reconciler {
	if driftThreshold <= 0 {
		driftThreshold = 0.01
	}
	return &Reconciler{
		ledger:         ledger,
		snapshots:      snapshots,
		cache:          cache,
		alerter:        alerter,
		logger:         logger,
		metrics:        metrics,
		driftThreshold: driftThreshold,
	}
}

// Run reconciles one page of tenants for the period, starting after
// cursor. NextCursor is empty once the last page is reached.
func (r *Reconciler) Run(ctx context.Context, period billing.Period, cursor string, batch int) (*RunResult, error) {
	if batch <= 0 {
		batch = 100
	}

	tenants, err := r.ledger.ListTenants(ctx, period, cursor, batch)
	if err != nil {
		r.metrics.ReconcileRunsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to page tenants: %w", err)
	}

	result := &RunResult{Period: period}
	for _, tenantID := range tenants {
		drift, err := r.reconcileTenant(ctx, tenantID, period)
		if err != nil {
			// One tenant failing must not starve the rest of the page.
			r.logger.WithError(err).WithField("tenant_id", tenantID).
				Error("tenant reconciliation failed")
			continue
		}
		result.Drifts = append(result.Drifts, drift)
	}

	if len(tenants) == batch {
		result.NextCursor = tenants[len(tenants)-1]
	}
	r.metrics.ReconcileRunsTotal.WithLabelValues("ok").Inc()
	return result, nil
}

func (r *Reconciler) reconcileTenant(ctx context.Context, tenantID string, period billing.Period) (TenantDrift, error) {
	authoritative, err := r.ledger.CountBillable(ctx, tenantID, period)
	if err != nil {
		return TenantDrift{}, fmt.Errorf("authoritative count failed: %w", err)
	}
	overage, err := r.ledger.CountOverage(ctx, tenantID, period)
	if err != nil {
		return TenantDrift{}, fmt.Errorf("overage count failed: %w", err)
	}

	if err := r.snapshots.Upsert(ctx, quota.Snapshot{
		TenantID:      tenantID,
		BillingPeriod: period,
		EventCount:    authoritative,
		OverageCount:  overage,
	}); err != nil {
		return TenantDrift{}, fmt.Errorf("snapshot upsert failed: %w", err)
	}

	cached, hit, err := r.cache.Get(ctx, tenantID, period)
	if err != nil {
		// Cache outage: repair is skipped this pass, snapshot is fresh.
		r.logger.WithError(err).WithField("tenant_id", tenantID).
			Warn("usage cache unreachable during reconciliation")
		return TenantDrift{TenantID: tenantID, Authoritative: authoritative}, nil
	}
	if !hit {
		cached = 0
	}

	drift := driftRatio(cached, authoritative)
	r.metrics.ReconcileDriftRatio.WithLabelValues(tenantID).Set(drift)

	if drift > r.driftThreshold {
		r.logger.WithFields(map[string]interface{}{
			"tenant_id":      tenantID,
			"billing_period": period.String(),
			"cached":         cached,
			"authoritative":  authoritative,
			"drift":          drift,
		}).Warn("usage cache drift above threshold")
		if r.alerter != nil {
			r.alerter.DriftDetected(ctx, tenantID, period, drift)
		}
	}

	// Repair with SET, not INCR: the authoritative figure replaces
	// whatever the cache accumulated.
	if err := r.cache.Set(ctx, tenantID, period, authoritative); err != nil {
		r.logger.WithError(err).WithField("tenant_id", tenantID).
			Warn("usage cache repair failed")
	}

	return TenantDrift{
		TenantID:      tenantID,
		Cached:        cached,
		Authoritative: authoritative,
		Drift:         drift,
	}, nil
}

// driftRatio is |cached - authoritative| / authoritative. With an
// authoritative count of zero, any cached value is full drift.
func driftRatio(cached, authoritative int64) float64 {
	if authoritative == 0 {
		if cached == 0 {
			return 0
		}
		return 1
	}
	return math.Abs(float64(cached-authoritative)) / float64(authoritative)
}
