package idempotency

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/billing"
)

func newTestLedger(t *testing.T) (*Ledger, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS idempotency_records").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ledger, err := NewLedger(db)
	require.NoError(t, err)
	return ledger, mock
}

func TestNewLedger(t *testing.T) {
	t.Run("nil database", func(t *testing.T) {
		_, err := NewLedger(nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database connection is required")
	})

	t.Run("table creation failure", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectExec("CREATE TABLE IF NOT EXISTS idempotency_records").
			WillReturnError(fmt.Errorf("permission denied"))

		_, err = NewLedger(db)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to ensure idempotency_records table")
	})
}

func TestLedgerTryInsert(t *testing.T) {
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

	t.Run("first seen", func(t *testing.T) {
		ledger, mock := newTestLedger(t)
		ledger.SetClock(func() time.Time { return now })

		mock.ExpectExec("INSERT INTO idempotency_records").
			WithArgs("tenant-1", "v2:abc", 2, now, now.Add(RetentionWindow), "2026-03", "ACCEPTED").
			WillReturnResult(sqlmock.NewResult(0, 1))

		outcome, err := ledger.TryInsert(context.Background(), "tenant-1", "v2:abc", now)
		require.NoError(t, err)
		assert.Equal(t, OutcomeInserted, outcome)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("legacy key records version 1", func(t *testing.T) {
		ledger, mock := newTestLedger(t)
		ledger.SetClock(func() time.Time { return now })

		mock.ExpectExec("INSERT INTO idempotency_records").
			WithArgs("tenant-1", "deadbeef", 1, now, now.Add(RetentionWindow), "2026-03", "ACCEPTED").
			WillReturnResult(sqlmock.NewResult(0, 1))

		_, err := ledger.TryInsert(context.Background(), "tenant-1", "deadbeef", now)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unique violation is duplicate not error", func(t *testing.T) {
		ledger, mock := newTestLedger(t)
		ledger.SetClock(func() time.Time { return now })

		mock.ExpectExec("INSERT INTO idempotency_records").
			WillReturnError(&pq.Error{Code: "23505"})

		outcome, err := ledger.TryInsert(context.Background(), "tenant-1", "v2:abc", now)
		require.NoError(t, err)
		assert.Equal(t, OutcomeDuplicate, outcome)
	})

	t.Run("other database errors propagate", func(t *testing.T) {
		ledger, mock := newTestLedger(t)
		ledger.SetClock(func() time.Time { return now })

		mock.ExpectExec("INSERT INTO idempotency_records").
			WillReturnError(fmt.Errorf("connection reset"))

		_, err := ledger.TryInsert(context.Background(), "tenant-1", "v2:abc", now)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "idempotency insert failed")
	})

	t.Run("bills to the receipt period across month rollover", func(t *testing.T) {
		ledger, mock := newTestLedger(t)

		// Worker lag carried the insert into February; the row is still
		// billed to January, the month the quota engine charges.
		receivedAt := time.Date(2026, time.January, 31, 23, 59, 59, 0, time.UTC)
		insertedAt := time.Date(2026, time.February, 1, 0, 0, 5, 0, time.UTC)
		ledger.SetClock(func() time.Time { return insertedAt })

		mock.ExpectExec("INSERT INTO idempotency_records").
			WithArgs("tenant-1", "v2:abc", 2, insertedAt, insertedAt.Add(RetentionWindow), "2026-01", "ACCEPTED").
			WillReturnResult(sqlmock.NewResult(0, 1))

		outcome, err := ledger.TryInsert(context.Background(), "tenant-1", "v2:abc", receivedAt)
		require.NoError(t, err)
		assert.Equal(t, OutcomeInserted, outcome)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("other constraint violations are not duplicates", func(t *testing.T) {
		ledger, mock := newTestLedger(t)
		ledger.SetClock(func() time.Time { return now })

		// not_null_violation
		mock.ExpectExec("INSERT INTO idempotency_records").
			WillReturnError(&pq.Error{Code: "23502"})

		_, err := ledger.TryInsert(context.Background(), "tenant-1", "v2:abc", now)
		require.Error(t, err)
	})
}

func TestLedgerMarkNonBillable(t *testing.T) {
	ledger, mock := newTestLedger(t)

	mock.ExpectExec("UPDATE idempotency_records").
		WithArgs("tenant-1", "v2:abc").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, ledger.MarkNonBillable(context.Background(), "tenant-1", "v2:abc"))
	assert.NoError(t, mock.ExpectationsWereMet())

	t.Run("error path", func(t *testing.T) {
		ledger, mock := newTestLedger(t)
		mock.ExpectExec("UPDATE idempotency_records").
			WillReturnError(fmt.Errorf("connection reset"))

		err := ledger.MarkNonBillable(context.Background(), "tenant-1", "v2:abc")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to mark record non-billable")
	})
}

func TestLedgerMarkOverage(t *testing.T) {
	ledger, mock := newTestLedger(t)

	mock.ExpectExec("UPDATE idempotency_records").
		WithArgs("tenant-1", "v2:abc", "OVERAGE").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, ledger.MarkOverage(context.Background(), "tenant-1", "v2:abc"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerCountBillable(t *testing.T) {
	period := billing.PeriodOf(time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC))

	t.Run("returns count", func(t *testing.T) {
		ledger, mock := newTestLedger(t)

		mock.ExpectQuery("SELECT COUNT").
			WithArgs("tenant-1", "2026-03").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1042))

		count, err := ledger.CountBillable(context.Background(), "tenant-1", period)
		require.NoError(t, err)
		assert.Equal(t, int64(1042), count)
	})

	t.Run("query failure", func(t *testing.T) {
		ledger, mock := newTestLedger(t)

		mock.ExpectQuery("SELECT COUNT").
			WillReturnError(fmt.Errorf("timeout"))

		_, err := ledger.CountBillable(context.Background(), "tenant-1", period)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to count billable records")
	})
}

func TestLedgerCountOverage(t *testing.T) {
	ledger, mock := newTestLedger(t)
	period := billing.PeriodOf(time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC))

	mock.ExpectQuery("SELECT COUNT").
		WithArgs("tenant-1", "2026-03", "OVERAGE").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(17))

	count, err := ledger.CountOverage(context.Background(), "tenant-1", period)
	require.NoError(t, err)
	assert.Equal(t, int64(17), count)
}

func TestLedgerGet(t *testing.T) {
	now := time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

	t.Run("found", func(t *testing.T) {
		ledger, mock := newTestLedger(t)

		rows := sqlmock.NewRows([]string{
			"tenant_id", "idempotency_key", "key_version", "created_at", "expires_at",
			"billing_period", "billable", "billing_state",
		}).AddRow("tenant-1", "v2:abc", 2, now, now.Add(RetentionWindow), "2026-03", true, "OVERAGE")

		mock.ExpectQuery("SELECT tenant_id, idempotency_key").
			WithArgs("tenant-1", "v2:abc").
			WillReturnRows(rows)

		rec, err := ledger.Get(context.Background(), "tenant-1", "v2:abc")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, "tenant-1", rec.TenantID)
		assert.Equal(t, 2, rec.KeyVersion)
		assert.True(t, rec.Billable)
		assert.Equal(t, BillingStateOverage, rec.BillingState)
		assert.Equal(t, "2026-03", rec.BillingPeriod.String())
	})

	t.Run("absent returns nil without error", func(t *testing.T) {
		ledger, mock := newTestLedger(t)

		mock.ExpectQuery("SELECT tenant_id, idempotency_key").
			WillReturnError(sql.ErrNoRows)

		rec, err := ledger.Get(context.Background(), "tenant-1", "missing")
		require.NoError(t, err)
		assert.Nil(t, rec)
	})

	t.Run("corrupt period surfaces", func(t *testing.T) {
		ledger, mock := newTestLedger(t)

		rows := sqlmock.NewRows([]string{
			"tenant_id", "idempotency_key", "key_version", "created_at", "expires_at",
			"billing_period", "billable", "billing_state",
		}).AddRow("tenant-1", "v2:abc", 2, now, now, "garbage", true, "ACCEPTED")

		mock.ExpectQuery("SELECT tenant_id, idempotency_key").
			WillReturnRows(rows)

		_, err := ledger.Get(context.Background(), "tenant-1", "v2:abc")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "corrupt billing_period")
	})
}

func TestLedgerListTenants(t *testing.T) {
	ledger, mock := newTestLedger(t)
	period := billing.PeriodOf(time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC))

	rows := sqlmock.NewRows([]string{"tenant_id"}).
		AddRow("tenant-a").
		AddRow("tenant-b")

	mock.ExpectQuery("SELECT DISTINCT tenant_id").
		WithArgs("2026-03", "", 100).
		WillReturnRows(rows)

	tenants, err := ledger.ListTenants(context.Background(), period, "", 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"tenant-a", "tenant-b"}, tenants)
}
