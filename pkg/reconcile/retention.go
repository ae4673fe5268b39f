package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/idempotency"
	"github.com/platinummonkey/tollgate/pkg/observability"
)

// ErrUnsafeCutoff is returned when the computed cutoff would reach into
// the trailing 89 days. That only happens through a clock or config
// bug, and the job refuses to run rather than delete fresh rows.
var ErrUnsafeCutoff = errors.New("retention cutoff lands inside the last 89 days")

// safetyFloor is the minimum age a cutoff must have. One day under the
// 90-day retention window so an off-by-one in period math can never
// touch live data.
const safetyFloor = 89 * 24 * time.Hour

// maxBatchesPerRun bounds one invocation so a huge backlog cannot hold
// locks for the whole night. Leftovers are reported, not forced.
const maxBatchesPerRun = 100

// CleanupOptions controls one retention run.
type CleanupOptions struct {
	DryRun    bool
	BatchSize int
}

// CleanupResult reports one retention run. In dry-run mode Deleted is
// the would-delete count.
type CleanupResult struct {
	Deleted        int64     `json:"deleted"`
	Cutoff         time.Time `json:"cutoff"`
	DryRun         bool      `json:"dry_run"`
	BacklogRemains bool      `json:"backlog_remains,omitempty"`
}

// RetentionCleaner purges expired ledger rows in bounded batches.
// Rows from the current or immediately preceding billing period are
// never eligible, regardless of what the age computation says.
type RetentionCleaner struct {
	db        *sql.DB
	retention time.Duration
	logger    *observability.Logger
	metrics   *observability.Metrics
	now       func() time.Time
}

// NewRetentionCleaner creates a cleaner with the given retention
// window. Windows below the safety floor are rejected at run time.
func NewRetentionCleaner(db *sql.DB, retention time.Duration, logger *observability.Logger, metrics *observability.Metrics) *RetentionCleaner {
	if retention <= 0 {
		retention = idempotency.RetentionWindow
	}
	return &RetentionCleaner{
		db:        db,
		retention: retention,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
	}
}

// Run executes one cleanup pass.
func (c *RetentionCleaner) Run(ctx context.Context, opts CleanupOptions) (*CleanupResult, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10000
	}

	now := c.now().UTC()
	cutoff := now.Add(-c.retention)

	if now.Sub(cutoff) < safetyFloor {
		c.metrics.RetentionRunsTotal.WithLabelValues("refused").Inc()
		return nil, fmt.Errorf("%w: cutoff %s, now %s", ErrUnsafeCutoff,
			cutoff.Format(time.RFC3339), now.Format(time.RFC3339))
	}

	current := billing.PeriodOf(now)
	previous := current.Previous()

	if opts.DryRun {
		count, err := c.countEligible(ctx, cutoff, current, previous)
		if err != nil {
			c.metrics.RetentionRunsTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		c.metrics.RetentionRunsTotal.WithLabelValues("dry_run").Inc()
		return &CleanupResult{
			Deleted:        count,
			Cutoff:         cutoff,
			DryRun:         true,
			BacklogRemains: count > int64(opts.BatchSize)*maxBatchesPerRun,
		}, nil
	}

	var deleted int64
	backlogRemains := false
	for i := 0; i < maxBatchesPerRun; i++ {
		n, err := c.deleteBatch(ctx, cutoff, current, previous, opts.BatchSize)
		if err != nil {
			c.metrics.RetentionRunsTotal.WithLabelValues("error").Inc()
			return nil, err
		}
		deleted += n
		c.metrics.RetentionDeletedTotal.Add(float64(n))
		if n < int64(opts.BatchSize) {
			break
		}
		if i == maxBatchesPerRun-1 {
			backlogRemains = true
		}
	}

	c.logger.WithFields(map[string]interface{}{
		"deleted": deleted,
		"cutoff":  cutoff.Format(time.RFC3339),
	}).Info("retention cleanup completed")
	c.metrics.RetentionRunsTotal.WithLabelValues("ok").Inc()

	return &CleanupResult{
		Deleted:        deleted,
		Cutoff:         cutoff,
		BacklogRemains: backlogRemains,
	}, nil
}

func (c *RetentionCleaner) countEligible(ctx context.Context, cutoff time.Time, current, previous billing.Period) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM idempotency_records
		WHERE created_at < $1
		  AND billing_period NOT IN ($2, $3)
	`
	var count int64
	if err := c.db.QueryRowContext(ctx, query, cutoff, current.String(), previous.String()).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count eligible rows: %w", err)
	}
	return count, nil
}

// deleteBatch removes one bounded batch. The ctid subselect keeps the
// delete short-lived so it never holds long locks against ingestion.
func (c *RetentionCleaner) deleteBatch(ctx context.Context, cutoff time.Time, current, previous billing.Period, batchSize int) (int64, error) {
	query := `
		DELETE FROM idempotency_records
		WHERE ctid IN (
			SELECT ctid
			FROM idempotency_records
			WHERE created_at < $1
			  AND billing_period NOT IN ($2, $3)
			LIMIT $4
		)
	`
	res, err := c.db.ExecContext(ctx, query, cutoff, current.String(), previous.String(), batchSize)
	if err != nil {
		return 0, fmt.Errorf("retention delete batch failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}

// SetClock overrides the wall clock, for tests.
func (c *RetentionCleaner) SetClock(now func() time.Time) {
	c.now = now
}
