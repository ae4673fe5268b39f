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

func newTestPlanStore(t *testing.T) (*PlanStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS tenant_plans").
		WillReturnResult(sqlmock.NewResult(0, 0))

	store, err := NewPlanStore(db)
	require.NoError(t, err)
	return store, mock
}

func TestDefaultPlan(t *testing.T) {
	p := DefaultPlan("tenant-1")
	assert.Equal(t, "tenant-1", p.TenantID)
	assert.Equal(t, int64(DefaultMonthlyLimit), p.MonthlyLimit)
	assert.False(t, p.SoftLimitEnabled, "default plan rejects at the limit")
	assert.Equal(t, DefaultHardCapMultiplier, p.HardCapMultiplier)
}

func TestPlanHardCap(t *testing.T) {
	tests := []struct {
		name       string
		limit      int64
		multiplier float64
		want       int64
	}{
		{"double", 1000, 2.0, 2000},
		{"fractional floors down", 1000, 1.5, 1500},
		{"floors odd product", 3, 1.5, 4},
		{"unity", 500, 1.0, 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Plan{MonthlyLimit: tt.limit, HardCapMultiplier: tt.multiplier}
			assert.Equal(t, tt.want, p.HardCap())
		})
	}
}

func TestPlanStoreGet(t *testing.T) {
	t.Run("existing plan", func(t *testing.T) {
		store, mock := newTestPlanStore(t)

		rows := sqlmock.NewRows([]string{"tenant_id", "monthly_limit", "soft_limit_enabled", "hard_cap_multiplier"}).
			AddRow("tenant-1", int64(50000), true, 1.5)
		mock.ExpectQuery("SELECT tenant_id, monthly_limit").
			WithArgs("tenant-1").
			WillReturnRows(rows)

		plan, err := store.Get(context.Background(), "tenant-1")
		require.NoError(t, err)
		assert.Equal(t, int64(50000), plan.MonthlyLimit)
		assert.True(t, plan.SoftLimitEnabled)
		assert.Equal(t, 1.5, plan.HardCapMultiplier)
	})

	t.Run("missing plan returns conservative default", func(t *testing.T) {
		store, mock := newTestPlanStore(t)

		mock.ExpectQuery("SELECT tenant_id, monthly_limit").
			WillReturnError(sql.ErrNoRows)

		plan, err := store.Get(context.Background(), "tenant-unknown")
		require.NoError(t, err)
		assert.Equal(t, DefaultPlan("tenant-unknown"), plan)
	})

	t.Run("zero multiplier is repaired", func(t *testing.T) {
		store, mock := newTestPlanStore(t)

		rows := sqlmock.NewRows([]string{"tenant_id", "monthly_limit", "soft_limit_enabled", "hard_cap_multiplier"}).
			AddRow("tenant-1", int64(100), true, 0.0)
		mock.ExpectQuery("SELECT tenant_id, monthly_limit").
			WillReturnRows(rows)

		plan, err := store.Get(context.Background(), "tenant-1")
		require.NoError(t, err)
		assert.Equal(t, DefaultHardCapMultiplier, plan.HardCapMultiplier)
	})

	t.Run("query failure", func(t *testing.T) {
		store, mock := newTestPlanStore(t)

		mock.ExpectQuery("SELECT tenant_id, monthly_limit").
			WillReturnError(fmt.Errorf("connection reset"))

		_, err := store.Get(context.Background(), "tenant-1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to get tenant plan")
	})
}

func TestPlanStoreUpsert(t *testing.T) {
	store, mock := newTestPlanStore(t)

	mock.ExpectExec("INSERT INTO tenant_plans").
		WithArgs("tenant-1", int64(50000), true, 1.5).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Upsert(context.Background(), Plan{
		TenantID:          "tenant-1",
		MonthlyLimit:      50000,
		SoftLimitEnabled:  true,
		HardCapMultiplier: 1.5,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

type countingPlanProvider struct {
	plan  Plan
	err   error
	calls int
}

func (c *countingPlanProvider) Get(ctx context.Context, tenantID string) (Plan, error) {
	c.calls++
	return c.plan, c.err
}

func TestCachedPlanStore(t *testing.T) {
	plan := Plan{TenantID: "tenant-1", MonthlyLimit: 50000, SoftLimitEnabled: true, HardCapMultiplier: 2.0}

	t.Run("caches after first read", func(t *testing.T) {
		inner := &countingPlanProvider{plan: plan}
		cached := NewCachedPlanStore(inner, 16, time.Minute)

		for i := 0; i < 3; i++ {
			got, err := cached.Get(context.Background(), "tenant-1")
			require.NoError(t, err)
			assert.Equal(t, plan, got)
		}
		assert.Equal(t, 1, inner.calls)
	})

	t.Run("errors are not cached", func(t *testing.T) {
		inner := &countingPlanProvider{err: fmt.Errorf("database down")}
		cached := NewCachedPlanStore(inner, 16, time.Minute)

		_, err := cached.Get(context.Background(), "tenant-1")
		require.Error(t, err)
		_, err = cached.Get(context.Background(), "tenant-1")
		require.Error(t, err)
		assert.Equal(t, 2, inner.calls)
	})

	t.Run("invalidate forces a re-read", func(t *testing.T) {
		inner := &countingPlanProvider{plan: plan}
		cached := NewCachedPlanStore(inner, 16, time.Minute)

		_, err := cached.Get(context.Background(), "tenant-1")
		require.NoError(t, err)

		cached.Invalidate("tenant-1")

		_, err = cached.Get(context.Background(), "tenant-1")
		require.NoError(t, err)
		assert.Equal(t, 2, inner.calls)
	})

	t.Run("invalid size and ttl fall back to defaults", func(t *testing.T) {
		inner := &countingPlanProvider{plan: plan}
		cached := NewCachedPlanStore(inner, 0, 0)

		got, err := cached.Get(context.Background(), "tenant-1")
		require.NoError(t, err)
		assert.Equal(t, plan, got)
	})
}
