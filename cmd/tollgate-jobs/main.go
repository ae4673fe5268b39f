package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/idempotency"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/quota"
	"github.com/platinummonkey/tollgate/pkg/reconcile"
	"github.com/platinummonkey/tollgate/pkg/storage"
)

var (
	dbURL             = flag.String("db-url", getEnv("TOLLGATE_POSTGRES_URL", "postgres://localhost:5432/tollgate?sslmode=disable"), "PostgreSQL connection URL")
	redisURL          = flag.String("redis-url", getEnv("TOLLGATE_REDIS_URL", "redis://localhost:6379/0"), "Redis connection URL")
	reconcileSchedule = flag.String("reconcile-schedule", getEnv("TOLLGATE_RECONCILE_SCHEDULE", "0 */6 * * *"), "Cron schedule for usage reconciliation (default: every 6 hours)")
	retentionSchedule = flag.String("retention-schedule", getEnv("TOLLGATE_RETENTION_SCHEDULE", "30 3 * * *"), "Cron schedule for ledger retention cleanup (default: 03:30 UTC)")
	driftThreshold    = flag.Float64("drift-threshold", 0.01, "Relative drift above which a tenant is alerted")
	pageSize          = flag.Int("page-size", 500, "Tenants per reconciliation page")
	retentionDays     = flag.Int("retention-days", 90, "Ledger retention window in days")
	retentionBatch    = flag.Int("retention-batch", 5000, "Rows deleted per retention batch")
	reconcilePeriod   = flag.String("period", "", "Billing period to reconcile (YYYY-MM). If empty, the current period. Only used with --run-once")
	runOnce           = flag.Bool("run-once", false, "Run both jobs once and exit")
	dryRun            = flag.Bool("dry-run", false, "Retention cleanup counts eligible rows without deleting")
)

func main() {
	flag.Parse()

	storageCfg := storage.DefaultConfig()
	storageCfg.PostgresURL = *dbURL
	storageCfg.RedisURL = *redisURL

	conns, err := storage.NewConnectionManager(storageCfg)
	if err != nil {
		log.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	defer conns.Close()

	redisClient, err := storage.NewRedisClient(storageCfg)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	ledger, err := idempotency.NewLedger(conns.Primary())
	if err != nil {
		log.Fatalf("Failed to initialize idempotency ledger: %v", err)
	}
	snapshots, err := quota.NewSnapshotStore(conns.Primary())
	if err != nil {
		log.Fatalf("Failed to initialize snapshot store: %v", err)
	}
	cache := quota.NewUsageCache(redisClient, storageCfg.UsageCacheTTL)

	reconciler := reconcile.NewReconciler(ledger, snapshots, cache, logAlerter{logger}, logger, metrics, *driftThreshold)
	cleaner := reconcile.NewRetentionCleaner(conns.Primary(), time.Duration(*retentionDays)*24*time.Hour, logger, metrics)

	// Run once mode (for testing or manual repair)
	if *runOnce {
		period := billing.CurrentPeriod()
		if *reconcilePeriod != "" {
			period, err = billing.ParsePeriod(*reconcilePeriod)
			if err != nil {
				log.Fatalf("Invalid period: %v", err)
			}
		}

		if err := runReconciliation(reconciler, period, *pageSize); err != nil {
			log.Fatalf("Reconciliation failed: %v", err)
		}
		result, err := cleaner.Run(context.Background(), reconcile.CleanupOptions{
			DryRun:    *dryRun,
			BatchSize: *retentionBatch,
		})
		if err != nil {
			log.Fatalf("Retention cleanup failed: %v", err)
		}
		log.Printf("Retention cleanup completed: deleted=%d dry_run=%v", result.Deleted, result.DryRun)
		return
	}

	// Scheduled mode
	c := cron.New()

	_, err = c.AddFunc(*reconcileSchedule, func() {
		period := billing.CurrentPeriod()
		log.Printf("Starting usage reconciliation for period %s", period)

		if err := runReconciliation(reconciler, period, *pageSize); err != nil {
			log.Printf("Reconciliation failed: %v", err)
		} else {
			log.Println("Reconciliation completed successfully")
		}
	})
	if err != nil {
		log.Fatalf("Failed to schedule reconciliation: %v", err)
	}

	_, err = c.AddFunc(*retentionSchedule, func() {
		log.Println("Starting ledger retention cleanup")

		result, err := cleaner.Run(context.Background(), reconcile.CleanupOptions{BatchSize: *retentionBatch})
		if err != nil {
			log.Printf("Retention cleanup failed: %v", err)
		} else {
			log.Printf("Retention cleanup completed: deleted=%d", result.Deleted)
		}
	})
	if err != nil {
		log.Fatalf("Failed to schedule retention cleanup: %v", err)
	}

	c.Start()
	log.Println("Tollgate jobs runner started")
	log.Printf("Reconciliation schedule: %s", *reconcileSchedule)
	log.Printf("Retention cleanup schedule: %s", *retentionSchedule)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	log.Println("Shutting down gracefully...")

	ctx := c.Stop()
	<-ctx.Done()

	log.Println("Jobs runner stopped")
}

// runReconciliation walks every tenant page until the cursor is
// exhausted.
func runReconciliation(r *reconcile.Reconciler, period billing.Period, pageSize int) error {
	ctx := context.Background()

	cursor := ""
	pages := 0
	drifted := 0
	for {
		result, err := r.Run(ctx, period, cursor, pageSize)
		if err != nil {
			return err
		}
		pages++
		drifted += len(result.Drifts)
		if result.NextCursor == "" {
			break
		}
		cursor = result.NextCursor
	}

	log.Printf("Reconciled period %s: pages=%d drifted_tenants=%d", period, pages, drifted)
	return nil
}

// logAlerter surfaces drift findings to the structured log. A real
// deployment would page here instead.
type logAlerter struct {
	logger *observability.Logger
}

func (a logAlerter) DriftDetected(ctx context.Context, tenantID string, period billing.Period, drift float64) {
	a.logger.WithFields(map[string]interface{}{
		"tenant_id": tenantID,
		"period":    period.String(),
		"drift":     drift,
	}).Warn("Usage cache drift above threshold")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
