package quota

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSnapshotStore(t *testing.T) (*SnapshotStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS usage_snapshots").
		WillReturnResult(sqlmock.NewResult(0, 0))

	store, err := NewSnapshotStore(db)
	require.NoError(t, err)
	return store, mock
}

func TestNewSnapshotStore(t *testing.T) {
	_, err := NewSnapshotStore(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database connection is required")
}

func TestSnapshotStoreGet(t *testing.T) {
	refreshed := time.Date(2026, time.March, 10, 6, 0, 0, 0, time.UTC)

	t.Run("found", func(t *testing.T) {
		store, mock := newTestSnapshotStore(t)

		rows := sqlmock.NewRows([]string{"tenant_id", "billing_period", "event_count", "overage_count", "refreshed_at"}).
			AddRow("tenant-1", "2026-03", int64(500), int64(12), refreshed)
		mock.ExpectQuery("SELECT tenant_id, billing_period").
			WithArgs("tenant-1", "2026-03").
			WillReturnRows(rows)

		snap, err := store.Get(context.Background(), "tenant-1", testPeriod())
		require.NoError(t, err)
		require.NotNil(t, snap)
		assert.Equal(t, int64(500), snap.EventCount)
		assert.Equal(t, int64(12), snap.OverageCount)
		assert.Equal(t, "2026-03", snap.BillingPeriod.String())
		assert.True(t, refreshed.Equal(snap.RefreshedAt))
	})

	t.Run("absent returns nil", func(t *testing.T) {
		store, mock := newTestSnapshotStore(t)

		mock.ExpectQuery("SELECT tenant_id, billing_period").
			WillReturnError(sql.ErrNoRows)

		snap, err := store.Get(context.Background(), "tenant-1", testPeriod())
		require.NoError(t, err)
		assert.Nil(t, snap)
	})

	t.Run("query failure", func(t *testing.T) {
		store, mock := newTestSnapshotStore(t)

		mock.ExpectQuery("SELECT tenant_id, billing_period").
			WillReturnError(fmt.Errorf("timeout"))

		_, err := store.Get(context.Background(), "tenant-1", testPeriod())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to get usage snapshot")
	})
}

func TestSnapshotStoreUpsert(t *testing.T) {
	refreshed := time.Date(2026, time.March, 10, 6, 0, 0, 0, time.UTC)

	t.Run("writes all fields", func(t *testing.T) {
		store, mock := newTestSnapshotStore(t)

		mock.ExpectExec("INSERT INTO usage_snapshots").
			WithArgs("tenant-1", "2026-03", int64(500), int64(12), refreshed).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := store.Upsert(context.Background(), Snapshot{
			TenantID:      "tenant-1",
			BillingPeriod: testPeriod(),
			EventCount:    500,
			OverageCount:  12,
			RefreshedAt:   refreshed,
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("zero refreshed_at gets stamped", func(t *testing.T) {
		store, mock := newTestSnapshotStore(t)

		mock.ExpectExec("INSERT INTO usage_snapshots").
			WithArgs("tenant-1", "2026-03", int64(1), int64(0), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := store.Upsert(context.Background(), Snapshot{
			TenantID:      "tenant-1",
			BillingPeriod: testPeriod(),
			EventCount:    1,
		})
		require.NoError(t, err)
	})
}
