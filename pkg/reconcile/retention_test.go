package reconcile

import (
	"context"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/idempotency"
	"github.com/platinummonkey/tollgate/pkg/observability"
)

func newTestCleaner(t *testing.T, retention time.Duration) (*RetentionCleaner, sqlmock.Sqlmock, *observability.Metrics) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	cleaner := NewRetentionCleaner(db, retention, logger, metrics)
	cleaner.SetClock(func() time.Time {
		return time.Date(2026, time.August, 15, 3, 0, 0, 0, time.UTC)
	})
	return cleaner, mock, metrics
}

func TestRetentionCleanerRun(t *testing.T) {
	ctx := context.Background()

	t.Run("deletes eligible rows in batches", func(t *testing.T) {
		cleaner, mock, metrics := newTestCleaner(t, idempotency.RetentionWindow)

		// Cutoff is 90 days before the pinned clock; the current and
		// previous periods are excluded no matter what.
		cutoff := time.Date(2026, time.May, 17, 3, 0, 0, 0, time.UTC)
		mock.ExpectExec("DELETE FROM idempotency_records").
			WithArgs(cutoff, "2026-08", "2026-07", 1000).
			WillReturnResult(sqlmock.NewResult(0, 1000))
		mock.ExpectExec("DELETE FROM idempotency_records").
			WithArgs(cutoff, "2026-08", "2026-07", 1000).
			WillReturnResult(sqlmock.NewResult(0, 250))

		result, err := cleaner.Run(ctx, CleanupOptions{BatchSize: 1000})
		require.NoError(t, err)
		assert.Equal(t, int64(1250), result.Deleted)
		assert.True(t, cutoff.Equal(result.Cutoff))
		assert.False(t, result.DryRun)
		assert.False(t, result.BacklogRemains)
		assert.NoError(t, mock.ExpectationsWereMet())

		assert.Equal(t, 1250.0, testutil.ToFloat64(metrics.RetentionDeletedTotal))
		ok := metrics.RetentionRunsTotal.WithLabelValues("ok")
		assert.Equal(t, 1.0, testutil.ToFloat64(ok))
	})

	t.Run("stops after an empty first batch", func(t *testing.T) {
		cleaner, mock, _ := newTestCleaner(t, idempotency.RetentionWindow)

		mock.ExpectExec("DELETE FROM idempotency_records").
			WillReturnResult(sqlmock.NewResult(0, 0))

		result, err := cleaner.Run(ctx, CleanupOptions{BatchSize: 1000})
		require.NoError(t, err)
		assert.Zero(t, result.Deleted)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("dry run counts without deleting", func(t *testing.T) {
		cleaner, mock, _ := newTestCleaner(t, idempotency.RetentionWindow)

		mock.ExpectQuery("SELECT COUNT").
			WithArgs(sqlmock.AnyArg(), "2026-08", "2026-07").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(5000))

		result, err := cleaner.Run(ctx, CleanupOptions{DryRun: true, BatchSize: 1000})
		require.NoError(t, err)
		assert.True(t, result.DryRun)
		assert.Equal(t, int64(5000), result.Deleted)
		assert.NoError(t, mock.ExpectationsWereMet(), "no DELETE must reach the database")
	})

	t.Run("refuses a cutoff inside the safety floor", func(t *testing.T) {
		// A 10-day window can only come from a config or clock bug.
		cleaner, mock, metrics := newTestCleaner(t, 10*24*time.Hour)

		_, err := cleaner.Run(ctx, CleanupOptions{})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnsafeCutoff)
		assert.NoError(t, mock.ExpectationsWereMet(), "refusal happens before any query")

		refused := metrics.RetentionRunsTotal.WithLabelValues("refused")
		assert.Equal(t, 1.0, testutil.ToFloat64(refused))
	})

	t.Run("delete failure surfaces", func(t *testing.T) {
		cleaner, mock, metrics := newTestCleaner(t, idempotency.RetentionWindow)

		mock.ExpectExec("DELETE FROM idempotency_records").
			WillReturnError(fmt.Errorf("lock timeout"))

		_, err := cleaner.Run(ctx, CleanupOptions{BatchSize: 1000})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "retention delete batch failed")

		errored := metrics.RetentionRunsTotal.WithLabelValues("error")
		assert.Equal(t, 1.0, testutil.ToFloat64(errored))
	})

	t.Run("zero retention falls back to the default window", func(t *testing.T) {
		cleaner, mock, _ := newTestCleaner(t, 0)

		mock.ExpectExec("DELETE FROM idempotency_records").
			WillReturnResult(sqlmock.NewResult(0, 0))

		result, err := cleaner.Run(ctx, CleanupOptions{BatchSize: 100})
		require.NoError(t, err)

		wantCutoff := time.Date(2026, time.August, 15, 3, 0, 0, 0, time.UTC).Add(-idempotency.RetentionWindow)
		assert.True(t, wantCutoff.Equal(result.Cutoff))
	})
}
