// Package analytics persists billed analytics events. This is the
// expensive side of the gate: a row here is what the customer is
// ultimately invoiced for, so writes happen only after the idempotency
// ledger has accepted the event.
package analytics

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/event"
)

// EventStore writes accepted events to the analytics_events table.
type EventStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewEventStore creates an EventStore and ensures its table exists.
func NewEventStore(db *sql.DB) (*EventStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	s := &EventStore{db: db, now: time.Now}
	if err := s.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure analytics_events table: %w", err)
	}
	return s, nil
}

func (s *EventStore) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS analytics_events (
		id BIGSERIAL PRIMARY KEY,
		tenant_id VARCHAR(255) NOT NULL,
		site_id VARCHAR(255),
		category VARCHAR(255),
		action VARCHAR(255) NOT NULL,
		label VARCHAR(255),
		url TEXT,
		session_fingerprint VARCHAR(255) NOT NULL,
		client_timestamp TIMESTAMP WITH TIME ZONE,
		metadata JSONB,
		billing_period CHAR(7) NOT NULL,
		recorded_at TIMESTAMP WITH TIME ZONE NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_analytics_events_tenant_period
		ON analytics_events(tenant_id, billing_period);
	CREATE INDEX IF NOT EXISTS idx_analytics_events_session
		ON analytics_events(tenant_id, session_fingerprint);
	`
	_, err := s.db.Exec(query)
	return err
}

// Persist writes one accepted event. Callers must only invoke this after
// the idempotency ledger has recorded the event as first-seen; the table
// itself carries no uniqueness constraint.
func (s *EventStore) Persist(ctx context.Context, e *event.Event) error {
	recordedAt := s.now().UTC()
	period := billing.PeriodOf(recordedAt)

	var metadata []byte
	if len(e.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode event metadata: %w", err)
		}
	}

	query := `
		INSERT INTO analytics_events (
			tenant_id, site_id, category, action, label, url,
			session_fingerprint, client_timestamp, metadata,
			billing_period, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := s.db.ExecContext(ctx, query,
		e.TenantID, nullString(e.SiteID), nullString(e.Category), e.Action,
		nullString(e.Label), nullString(e.URL), e.SessionFingerprint,
		e.ClientTimestamp, metadata, period.String(), recordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}
	return nil
}

// CountForPeriod returns the number of persisted events for a tenant and
// period. Reconciliation uses the idempotency ledger as ground truth;
// this count exists for spot checks and support tooling.
func (s *EventStore) CountForPeriod(ctx context.Context, tenantID string, period billing.Period) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM analytics_events
		WHERE tenant_id = $1 AND billing_period = $2
	`
	var count int64
	if err := s.db.QueryRowContext(ctx, query, tenantID, period.String()).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count persisted events: %w", err)
	}
	return count, nil
}

// SetClock overrides the wall clock, for tests.
func (s *EventStore) SetClock(now func() time.Time) {
	s.now = now
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
