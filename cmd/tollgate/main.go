package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/tollgate/pkg/analytics"
	"github.com/platinummonkey/tollgate/pkg/broker"
	"github.com/platinummonkey/tollgate/pkg/config"
	"github.com/platinummonkey/tollgate/pkg/edge"
	"github.com/platinummonkey/tollgate/pkg/gate"
	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/idempotency"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/quota"
	"github.com/platinummonkey/tollgate/pkg/storage"
	"github.com/platinummonkey/tollgate/pkg/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	logger.Info("Starting tollgate ingestion service")

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	ctx, cancelWorkers := context.WithCancel(context.Background())
	defer cancelWorkers()

	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to initialize OpenTelemetry: %v", err)
	}

	// Storage connections
	conns, err := storage.NewConnectionManager(cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to connect to PostgreSQL: %v", err)
	}
	redisClient, err := storage.NewRedisClient(cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}

	// Billing gate components
	ledger, err := idempotency.NewLedger(conns.Primary())
	if err != nil {
		log.Fatalf("Failed to initialize idempotency ledger: %v", err)
	}
	planStore, err := quota.NewPlanStore(conns.Primary())
	if err != nil {
		log.Fatalf("Failed to initialize plan store: %v", err)
	}
	plans := quota.NewCachedPlanStore(planStore, 1024, cfg.Edge.PlanCacheTTL)
	snapshots, err := quota.NewSnapshotStore(conns.Primary())
	if err != nil {
		log.Fatalf("Failed to initialize snapshot store: %v", err)
	}
	usageCache := quota.NewUsageCache(redisClient, cfg.Storage.UsageCacheTTL)
	engine := quota.NewEngine(usageCache, snapshots, ledger, logger)

	events, err := analytics.NewEventStore(conns.Primary())
	if err != nil {
		log.Fatalf("Failed to initialize event store: %v", err)
	}
	orchestrator := gate.NewOrchestrator(ledger, plans, engine, events, logger, metrics)

	// Broker transport plus fallback buffer
	hostname, _ := os.Hostname()
	stream := broker.NewRedisStream(redisClient, cfg.Storage.StreamName, cfg.Storage.ConsumerGroup, hostname)
	if err := stream.EnsureGroup(ctx); err != nil {
		log.Fatalf("Failed to create broker consumer group: %v", err)
	}
	fallback, err := broker.NewFallbackStore(conns.Primary())
	if err != nil {
		log.Fatalf("Failed to initialize fallback store: %v", err)
	}
	replayer := broker.NewReplayer(fallback, stream, logger, metrics)

	// Edge handler
	limiter := edge.NewRateLimiter(redisClient, &edge.RateLimitConfig{
		RequestsPerWindow: cfg.Edge.RateLimitPerWindow,
		WindowDuration:    cfg.Edge.RateLimitWindow,
	}, "")
	validator := loadSiteValidator(cfg, logger)
	handler := edge.NewHandler(validator, limiter, stream, fallback, engine, plans, logger, metrics)

	router := mux.NewRouter()
	handler.Routes(router)

	chain := httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware,
		httputil.RecoveryMiddleware,
		httputil.CORSMiddleware([]string{"*"}),
		httputil.MaxBytesMiddleware(cfg.Edge.MaxBodyBytes),
		observability.HTTPMetricsMiddleware(metrics),
	)
	var root http.Handler = chain(router)
	if cfg.Observability.OTelEnabled {
		root = otelhttp.NewHandler(root, "tollgate")
	}

	server := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      root,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Health and metrics on a separate port for probes
	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(conns.Primary(), redisClient))
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	// Worker pool drains the broker and runs the billing gate
	pool := worker.NewPool(stream, stream, replayer, orchestrator, logger, metrics, worker.Config{
		Workers:       cfg.Worker.Workers,
		FetchBatch:    cfg.Worker.FetchBatch,
		FetchBlock:    cfg.Worker.FetchBlock,
		ClaimInterval: cfg.Worker.ClaimInterval,
		ClaimMinIdle:  cfg.Worker.ClaimMinIdle,
		ReplayBatch:   cfg.Worker.ReplayBatch,
		ReplayEvery:   cfg.Worker.ReplayEvery,
	})
	poolDone := make(chan error, 1)
	go func() {
		poolDone <- pool.Run(ctx)
	}()

	go func() {
		logger.WithField("addr", healthServer.Addr).Info("Health server listening")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("Health server failed")
		}
	}()

	go func() {
		logger.WithFields(map[string]interface{}{
			"addr":    server.Addr,
			"workers": cfg.Worker.Workers,
		}).Info("Tollgate listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	sm := observability.NewShutdownManager(logger, server, cfg.Server.ShutdownTimeout)
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		// Stop fetching; in-flight deliveries finish before Run returns.
		cancelWorkers()
		select {
		case err := <-poolDone:
			return err
		case <-ctx.Done():
			return fmt.Errorf("worker pool did not drain in time")
		}
	})
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		return healthServer.Shutdown(ctx)
	})
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		return conns.Close()
	})
	sm.RegisterShutdownFunc(func(ctx context.Context) error {
		return redisClient.Close()
	})
	if otelProviders != nil {
		sm.RegisterShutdownFunc(func(ctx context.Context) error {
			return observability.ShutdownOTel(ctx, otelProviders, logger)
		})
	}

	if err := sm.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("Shutdown completed with errors")
		os.Exit(1)
	}
	logger.Info("Tollgate stopped")
}

// loadSiteValidator builds the origin gate. The allow-list is a JSON
// object of tenant id to allowed origin hosts, e.g.
// {"tenant-1":["app.example.com","*"]}.
func loadSiteValidator(cfg *config.Config, logger *observability.Logger) edge.SiteValidator {
	if !cfg.Edge.SiteAllowlistEnable {
		return edge.AllowAllValidator{}
	}

	raw := os.Getenv("TOLLGATE_SITE_ALLOWLIST")
	if raw == "" {
		logger.Warn("Site allowlist enabled but TOLLGATE_SITE_ALLOWLIST is empty, rejecting all tenants")
		return edge.NewStaticSiteValidator(nil)
	}

	var sites map[string][]string
	if err := json.Unmarshal([]byte(raw), &sites); err != nil {
		log.Fatalf("Invalid TOLLGATE_SITE_ALLOWLIST: %v", err)
	}
	logger.WithField("tenants", len(sites)).Info("Site allowlist loaded")
	return edge.NewStaticSiteValidator(sites)
}
