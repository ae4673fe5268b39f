package broker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// FallbackStatus tracks a buffered event's replay state.
type FallbackStatus string

const (
	FallbackPending  FallbackStatus = "pending"
	FallbackReplayed FallbackStatus = "replayed"
)

// FallbackRecord is one event that could not be handed to the broker.
// The full raw payload is carried so replay loses nothing; the ledger
// has not been touched for this occurrence, so billing correctness is
// preserved across the detour.
type FallbackRecord struct {
	ID         int64
	TenantID   string
	ReceivedAt time.Time
	Payload    json.RawMessage
	Status     FallbackStatus
	CreatedAt  time.Time
}

// FallbackStore persists the fallback buffer in PostgreSQL. Writes are
// synchronous on the edge path when a publish fails.
type FallbackStore struct {
	db *sql.DB
}

// NewFallbackStore creates a FallbackStore and ensures its table exists.
func NewFallbackStore(db *sql.DB) (*FallbackStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	s := &FallbackStore{db: db}
	if err := s.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure fallback_events table: %w", err)
	}
	return s, nil
}

func (s *FallbackStore) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS fallback_events (
		id BIGSERIAL PRIMARY KEY,
		tenant_id VARCHAR(255) NOT NULL,
		received_at TIMESTAMP WITH TIME ZONE NOT NULL,
		payload JSONB NOT NULL,
		status VARCHAR(16) NOT NULL DEFAULT 'pending',
		created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_fallback_events_status ON fallback_events(status, id);
	`
	_, err := s.db.Exec(query)
	return err
}

// Write buffers one event for later replay.
func (s *FallbackStore) Write(ctx context.Context, tenantID string, receivedAt time.Time, payload json.RawMessage) error {
	query := `
		INSERT INTO fallback_events (tenant_id, received_at, payload, status)
		VALUES ($1, $2, $3, $4)
	`
	if _, err := s.db.ExecContext(ctx, query, tenantID, receivedAt.UTC(), []byte(payload), string(FallbackPending)); err != nil {
		return fmt.Errorf("fallback write failed: %w", err)
	}
	return nil
}

// PendingBatch returns up to limit pending records in insertion order.
// SKIP LOCKED lets concurrent replayers partition the backlog.
func (s *FallbackStore) PendingBatch(ctx context.Context, limit int) ([]FallbackRecord, error) {
	query := `
		SELECT id, tenant_id, received_at, payload, status, created_at
		FROM fallback_events
		WHERE status = $1
		ORDER BY id
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`
	rows, err := s.db.QueryContext(ctx, query, string(FallbackPending), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read fallback batch: %w", err)
	}
	defer rows.Close()

	var records []FallbackRecord
	for rows.Next() {
		rec := FallbackRecord{}
		var status string
		var payload []byte
		if err := rows.Scan(&rec.ID, &rec.TenantID, &rec.ReceivedAt, &payload, &status, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan fallback record: %w", err)
		}
		rec.Payload = payload
		rec.Status = FallbackStatus(status)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Delete removes a replayed record. The buffer is a queue, not an
// archive; rows disappear once they re-enter the broker.
func (s *FallbackStore) Delete(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM fallback_events WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete fallback record: %w", err)
	}
	return nil
}

// PendingCount returns the current backlog size.
func (s *FallbackStore) PendingCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fallback_events WHERE status = $1`, string(FallbackPending)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count fallback backlog: %w", err)
	}
	return count, nil
}
