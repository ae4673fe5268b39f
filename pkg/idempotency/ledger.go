package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/platinummonkey/tollgate/pkg/billing"
)

// RetentionWindow is how long ledger rows are kept before the cleanup
// job may purge them. Expiry never affects the uniqueness check itself:
// an expired-but-unpurged row still deduplicates.
const RetentionWindow = 90 * 24 * time.Hour

// BillingState records how an accepted event is priced.
type BillingState string

const (
	BillingStateAccepted BillingState = "ACCEPTED"
	BillingStateOverage  BillingState = "OVERAGE"
)

// InsertOutcome is the result of a TryInsert call.
type InsertOutcome int

const (
	// OutcomeInserted means this process won the insert race; the event
	// is first-seen and may proceed to quota evaluation.
	OutcomeInserted InsertOutcome = iota
	// OutcomeDuplicate means a row for (tenant, key) already exists.
	OutcomeDuplicate
)

// Record is one ledger row. The uniqueness constraint on
// (tenant_id, idempotency_key) is the only mechanism preventing
// double-billing; no other table is authoritative for invoice totals.
type Record struct {
	TenantID      string
	Key           string
	KeyVersion    int
	CreatedAt     time.Time
	ExpiresAt     time.Time
	BillingPeriod billing.Period
	Billable      bool
	BillingState  BillingState
}

// Ledger is the tenant-scoped repository over the idempotency table.
// Every query method requires a tenant id; there is no generic escape
// hatch, so a caller cannot accidentally read or mutate across tenants.
type Ledger struct {
	db  *sql.DB
	now func() time.Time
}

// NewLedger creates a Ledger and ensures its table exists.
func NewLedger(db *sql.DB) (*Ledger, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	l := &Ledger{db: db, now: time.Now}
	if err := l.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure idempotency_records table: %w", err)
	}
	return l, nil
}

func (l *Ledger) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS idempotency_records (
		tenant_id VARCHAR(255) NOT NULL,
		idempotency_key VARCHAR(255) NOT NULL,
		key_version SMALLINT NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL,
		expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
		billing_period CHAR(7) NOT NULL,
		billable BOOLEAN NOT NULL DEFAULT TRUE,
		billing_state VARCHAR(16) NOT NULL DEFAULT 'ACCEPTED',
		PRIMARY KEY (tenant_id, idempotency_key)
	);

	CREATE INDEX IF NOT EXISTS idx_idempotency_records_period
		ON idempotency_records(tenant_id, billing_period) WHERE billable;
	CREATE INDEX IF NOT EXISTS idx_idempotency_records_created_at
		ON idempotency_records(created_at);
	`
	_, err := l.db.Exec(query)
	return err
}

// TryInsert attempts to record (tenant, key) as first-seen, billed to
// the period of receivedAt (edge receipt time). The receipt time, not
// the insert time, decides billing_period: a delivery that lags across
// a month rollover must land in the same month the quota engine
// charges it against, or replays get rejected on the old month's quota
// while their rows count toward the new one.
//
// A unique-constraint violation maps to OutcomeDuplicate and is not an
// error. Any other failure is returned as an error and the caller must
// fail secure: no quota evaluation, no persistence, no cache writes.
func (l *Ledger) TryInsert(ctx context.Context, tenantID, key string, receivedAt time.Time) (InsertOutcome, error) {
	createdAt := l.now().UTC()
	expiresAt := createdAt.Add(RetentionWindow)
	period := billing.PeriodOf(receivedAt.UTC())

	query := `
		INSERT INTO idempotency_records
			(tenant_id, idempotency_key, key_version, created_at, expires_at, billing_period, billable, billing_state)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, $7)
	`
	_, err := l.db.ExecContext(ctx, query,
		tenantID, key, KeyVersionOf(key), createdAt, expiresAt, period.String(),
		string(BillingStateAccepted),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return OutcomeDuplicate, nil
		}
		return 0, fmt.Errorf("idempotency insert failed: %w", err)
	}
	return OutcomeInserted, nil
}

// MarkNonBillable flips billable=false on an existing row after a quota
// reject. Idempotent: re-running it is a no-op.
func (l *Ledger) MarkNonBillable(ctx context.Context, tenantID, key string) error {
	query := `
		UPDATE idempotency_records
		SET billable = FALSE
		WHERE tenant_id = $1 AND idempotency_key = $2
	`
	if _, err := l.db.ExecContext(ctx, query, tenantID, key); err != nil {
		return fmt.Errorf("failed to mark record non-billable: %w", err)
	}
	return nil
}

// MarkOverage sets billing_state=OVERAGE on an existing row when the
// event was accepted inside the soft-overage band. Idempotent.
func (l *Ledger) MarkOverage(ctx context.Context, tenantID, key string) error {
	query := `
		UPDATE idempotency_records
		SET billing_state = $3
		WHERE tenant_id = $1 AND idempotency_key = $2
	`
	if _, err := l.db.ExecContext(ctx, query, tenantID, key, string(BillingStateOverage)); err != nil {
		return fmt.Errorf("failed to mark record overage: %w", err)
	}
	return nil
}

// CountBillable returns the authoritative billable-event count for a
// tenant and period. This is the ground truth the reconciliation job
// and the final getUsage fallback tier read.
func (l *Ledger) CountBillable(ctx context.Context, tenantID string, period billing.Period) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM idempotency_records
		WHERE tenant_id = $1 AND billing_period = $2 AND billable
	`
	var count int64
	if err := l.db.QueryRowContext(ctx, query, tenantID, period.String()).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count billable records: %w", err)
	}
	return count, nil
}

// CountOverage returns the number of billable rows in the overage band
// for a tenant and period.
func (l *Ledger) CountOverage(ctx context.Context, tenantID string, period billing.Period) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM idempotency_records
		WHERE tenant_id = $1 AND billing_period = $2 AND billable AND billing_state = $3
	`
	var count int64
	if err := l.db.QueryRowContext(ctx, query, tenantID, period.String(), string(BillingStateOverage)).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count overage records: %w", err)
	}
	return count, nil
}

// Get retrieves a single record, or nil if absent.
func (l *Ledger) Get(ctx context.Context, tenantID, key string) (*Record, error) {
	query := `
		SELECT tenant_id, idempotency_key, key_version, created_at, expires_at,
		       billing_period, billable, billing_state
		FROM idempotency_records
		WHERE tenant_id = $1 AND idempotency_key = $2
	`
	rec := &Record{}
	var periodStr string
	var state string
	err := l.db.QueryRowContext(ctx, query, tenantID, key).Scan(
		&rec.TenantID, &rec.Key, &rec.KeyVersion, &rec.CreatedAt, &rec.ExpiresAt,
		&periodStr, &rec.Billable, &state,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	rec.BillingState = BillingState(state)
	rec.BillingPeriod, err = billing.ParsePeriod(periodStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt billing_period on record: %w", err)
	}
	return rec, nil
}

// ListTenants pages tenant ids that have ledger rows for a period,
// starting after cursor. Used by the reconciliation job.
func (l *Ledger) ListTenants(ctx context.Context, period billing.Period, cursor string, limit int) ([]string, error) {
	query := `
		SELECT DISTINCT tenant_id
		FROM idempotency_records
		WHERE billing_period = $1 AND tenant_id > $2
		ORDER BY tenant_id
		LIMIT $3
	`
	rows, err := l.db.QueryContext(ctx, query, period.String(), cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// SetClock overrides the wall clock, for tests.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}
