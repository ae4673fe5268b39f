package broker

import (
	"context"
	"fmt"

	"github.com/platinummonkey/tollgate/pkg/observability"
)

// Replayer drains the fallback buffer back through the broker once it
// is reachable again. Replayed envelopes keep their original edge
// receipt time, so the worker derives the same idempotency key the
// original occurrence would have used.
type Replayer struct {
	store   *FallbackStore
	pub     Publisher
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewReplayer creates a fallback replayer.
func NewReplayer(store *FallbackStore, pub Publisher, logger *observability.Logger, metrics *observability.Metrics) *Replayer {
	return &Replayer{store: store, pub: pub, logger: logger, metrics: metrics}
}

// ReplayBatch publishes up to limit buffered events and deletes each on
// success. It stops at the first publish failure: if the broker is
// still down there is no point burning the rest of the batch.
func (r *Replayer) ReplayBatch(ctx context.Context, limit int) (int, error) {
	records, err := r.store.PendingBatch(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to load fallback batch: %w", err)
	}

	replayed := 0
	for _, rec := range records {
		env := Envelope{
			TenantID:   rec.TenantID,
			ReceivedAt: rec.ReceivedAt,
			Payload:    rec.Payload,
		}
		if err := r.pub.Publish(ctx, env); err != nil {
			r.logger.WithError(err).WithField("fallback_id", rec.ID).
				Warn("fallback replay stopped: broker still unavailable")
			return replayed, nil
		}
		if err := r.store.Delete(ctx, rec.ID); err != nil {
			// The envelope is already back in the broker; a leftover row
			// replays again later and the ledger deduplicates it.
			r.logger.WithError(err).WithField("fallback_id", rec.ID).
				Warn("failed to delete replayed fallback record")
		}
		r.metrics.FallbackReplaysTotal.Inc()
		replayed++
	}
	return replayed, nil
}
