// Package gate sequences the billing decision for one event: ledger
// insert, then quota evaluation, then persistence. It is the only
// component allowed to decide ingest vs. reject vs. dedup.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/tollgate/pkg/async"
	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/event"
	"github.com/platinummonkey/tollgate/pkg/idempotency"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/quota"
)

// ErrPersistence marks an event that was billed but never persisted.
// The ledger already holds a billable row for the key, so retrying
// with the same key would legitimately hit duplicate and drop the
// event; this is permanent and needs operator attention.
var ErrPersistence = errors.New("persistence failed after billing accept")

// Persister performs the expensive, irreversible side effects
// (session/event persistence). External collaborator.
type Persister interface {
	Persist(ctx context.Context, e *event.Event) error
}

// Ledger is the subset of the idempotency ledger the gate drives.
type Ledger interface {
	TryInsert(ctx context.Context, tenantID, key string, receivedAt time.Time) (idempotency.InsertOutcome, error)
	MarkNonBillable(ctx context.Context, tenantID, key string) error
	MarkOverage(ctx context.Context, tenantID, key string) error
}

// Result is the gate's decision for one event.
type Result struct {
	Code        event.Code
	QuotaReason event.QuotaReason
	Remaining   int64
	Overage     bool
	UsageSource quota.Source
	Key         string
}

// Orchestrator runs the gate sequence. Construct with NewOrchestrator.
type Orchestrator struct {
	ledger    Ledger
	plans     quota.PlanProvider
	engine    *quota.Engine
	persister Persister
	logger    *observability.Logger
	metrics   *observability.Metrics

	incrTimeout time.Duration
}

// NewOrchestrator creates a gate orchestrator.
func NewOrchestrator(ledger Ledger, plans quota.PlanProvider, engine *quota.Engine, persister Persister, logger *observability.Logger, metrics *observability.Metrics) *Orchestrator {
	return &Orchestrator{
		ledger:      ledger,
		plans:       plans,
		engine:      engine,
		persister:   persister,
		logger:      logger,
		metrics:     metrics,
		incrTimeout: 5 * time.Second,
	}
}

// Process runs the gate for one event received at receivedAt (edge
// receipt time, carried on the broker envelope so redeliveries derive
// the same key).
//
// Sequencing is non-negotiable: ledger insert first, short-circuit on
// duplicate or store error, quota next, persistence last, cache
// increment only after persistence succeeds.
func (o *Orchestrator) Process(ctx context.Context, e *event.Event, receivedAt time.Time) (Result, error) {
	key := idempotency.DeriveKeyV2(e, receivedAt)
	period := billing.PeriodOf(receivedAt)
	log := o.logger.WithFields(map[string]interface{}{
		"tenant_id":      e.TenantID,
		"billing_period": period.String(),
	})

	// The ledger bills the row to the same receivedAt-derived period the
	// quota evaluation below charges.
	outcome, err := o.ledger.TryInsert(ctx, e.TenantID, key, receivedAt)
	if err != nil {
		// Fail secure: acknowledge upstream, bill nothing, touch
		// nothing. Sustained occurrences need operator attention.
		o.metrics.GateClosedTotal.WithLabelValues("ledger_insert").Inc()
		log.WithError(err).Error("billing gate closed: idempotency store error")
		return Result{Code: event.CodeIdempotencyError, Key: key}, nil
	}
	if outcome == idempotency.OutcomeDuplicate {
		o.metrics.DecisionsTotal.WithLabelValues(string(event.CodeDuplicate)).Inc()
		return Result{Code: event.CodeDuplicate, Key: key}, nil
	}

	plan, err := o.plans.Get(ctx, e.TenantID)
	if err != nil {
		// Absence of a plan implies the conservative default; treat a
		// read failure the same way rather than blocking ingestion.
		log.WithError(err).Warn("plan lookup failed, using conservative default")
		plan = quota.DefaultPlan(e.TenantID)
	}

	usage, err := o.engine.Usage(ctx, e.TenantID, period)
	if err != nil {
		// All usage tiers failed after the row was inserted. Unlike the
		// pre-insert failure above, a billable row now exists and keeps
		// deduplicating, so a redelivery dedups instead of retrying:
		// billed but never persisted. Same class as a persistence
		// failure, manual billing review.
		o.metrics.BilledUnpersistedTotal.Inc()
		log.WithError(err).WithField("idempotency_key", key).
			Error("usage resolution failed after billing insert, manual review required")
		return Result{Code: event.CodeIdempotencyError, Key: key},
			fmt.Errorf("%w: usage resolution failed: %v", ErrPersistence, err)
	}

	decision := quota.Evaluate(plan, usage.Count)
	if !decision.Allowed {
		if err := o.ledger.MarkNonBillable(ctx, e.TenantID, key); err != nil {
			// The row stays billable until reconciliation or a retry of
			// the mark; the reject decision stands either way.
			log.WithError(err).Error("failed to mark rejected record non-billable")
		}
		o.metrics.DecisionsTotal.WithLabelValues(string(event.CodeQuotaReject)).Inc()
		o.metrics.QuotaRejectsTotal.WithLabelValues(string(decision.Reason)).Inc()
		return Result{
			Code:        event.CodeQuotaReject,
			QuotaReason: decision.Reason,
			Remaining:   decision.Remaining,
			UsageSource: usage.Source,
			Key:         key,
		}, nil
	}

	if decision.Overage {
		if err := o.ledger.MarkOverage(ctx, e.TenantID, key); err != nil {
			log.WithError(err).Warn("failed to mark record overage")
		}
	}

	if err := o.persister.Persist(ctx, e); err != nil {
		// Never retried by re-deriving the same key: that would hit
		// duplicate and silently drop the event. Manual billing review.
		o.metrics.PersistenceFailuresTotal.Inc()
		o.metrics.BilledUnpersistedTotal.Inc()
		log.WithError(err).WithField("idempotency_key", key).
			Error("persistence failed after billing accept, manual review required")
		return Result{
			Code:        event.CodeAccepted,
			Overage:     decision.Overage,
			Remaining:   decision.Remaining,
			UsageSource: usage.Source,
			Key:         key,
		}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	// Best-effort: a failed increment is healed by reconciliation and
	// must never block or fail the request.
	async.SafeGoNoError(context.Background(), o.incrTimeout, "usage cache increment", func(ctx context.Context) {
		o.engine.BestEffortIncrement(ctx, e.TenantID, period)
	})

	o.metrics.DecisionsTotal.WithLabelValues(string(event.CodeAccepted)).Inc()
	if decision.Overage {
		o.metrics.OverageAcceptsTotal.Inc()
	}
	return Result{
		Code:        event.CodeAccepted,
		Overage:     decision.Overage,
		Remaining:   decision.Remaining,
		UsageSource: usage.Source,
		Key:         key,
	}, nil
}
