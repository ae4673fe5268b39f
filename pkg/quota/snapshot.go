package quota

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/platinummonkey/tollgate/pkg/billing"
)

// Snapshot is the authoritative secondary usage record, refreshed by
// the reconciliation job from ledger counts. Cheaper to read than a
// full ledger scan, but still behind the ledger itself.
type Snapshot struct {
	TenantID      string
	BillingPeriod billing.Period
	EventCount    int64
	OverageCount  int64
	RefreshedAt   time.Time
}

// SnapshotStore persists usage snapshots in PostgreSQL.
type SnapshotStore struct {
	db *sql.DB
}

// NewSnapshotStore creates a SnapshotStore and ensures its table exists.
func NewSnapshotStore(db *sql.DB) (*SnapshotStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	s := &SnapshotStore{db: db}
	if err := s.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure usage_snapshots table: %w", err)
	}
	return s, nil
}

func (s *SnapshotStore) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS usage_snapshots (
		tenant_id VARCHAR(255) NOT NULL,
		billing_period CHAR(7) NOT NULL,
		event_count BIGINT NOT NULL,
		overage_count BIGINT NOT NULL DEFAULT 0,
		refreshed_at TIMESTAMP WITH TIME ZONE NOT NULL,
		PRIMARY KEY (tenant_id, billing_period)
	);
	`
	_, err := s.db.Exec(query)
	return err
}

// Get returns the snapshot for (tenant, period), or nil if none has
// been taken yet.
func (s *SnapshotStore) Get(ctx context.Context, tenantID string, period billing.Period) (*Snapshot, error) {
	query := `
		SELECT tenant_id, billing_period, event_count, overage_count, refreshed_at
		FROM usage_snapshots
		WHERE tenant_id = $1 AND billing_period = $2
	`
	snap := &Snapshot{}
	var periodStr string
	err := s.db.QueryRowContext(ctx, query, tenantID, period.String()).Scan(
		&snap.TenantID, &periodStr, &snap.EventCount, &snap.OverageCount, &snap.RefreshedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get usage snapshot: %w", err)
	}
	snap.BillingPeriod, err = billing.ParsePeriod(periodStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt billing_period on snapshot: %w", err)
	}
	return snap, nil
}

// Upsert writes the snapshot, replacing any previous one for the same
// (tenant, period).
func (s *SnapshotStore) Upsert(ctx context.Context, snap Snapshot) error {
	query := `
		INSERT INTO usage_snapshots (tenant_id, billing_period, event_count, overage_count, refreshed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, billing_period) DO UPDATE
		SET event_count = EXCLUDED.event_count,
		    overage_count = EXCLUDED.overage_count,
		    refreshed_at = EXCLUDED.refreshed_at
	`
	refreshedAt := snap.RefreshedAt
	if refreshedAt.IsZero() {
		refreshedAt = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(ctx, query,
		snap.TenantID, snap.BillingPeriod.String(), snap.EventCount, snap.OverageCount, refreshedAt,
	); err != nil {
		return fmt.Errorf("failed to upsert usage snapshot: %w", err)
	}
	return nil
}
