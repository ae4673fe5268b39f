// Package observability carries the service's ambient concerns:
// structured JSON logging, Prometheus metrics, health probes, graceful
// shutdown, and OpenTelemetry export.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("tenant_id", id).Info("decision made")
//	logger.WithError(err).Error("ledger insert failed")
//
// # Prometheus Metrics
//
// Metrics live on a private registry so tests can assert counters in
// isolation:
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.DecisionsTotal.WithLabelValues("ACCEPTED").Inc()
//
// # Health Probes
//
//	checker := observability.NewHealthChecker(db, redisClient)
//	observability.RegisterHealthRoutes(healthMux, checker)
//
// Redis being down degrades rather than fails readiness; the quota
// engine falls back to the ledger.
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, otelCfg, logger)
//	// providers is nil when export is disabled
//	defer observability.ShutdownOTel(ctx, providers, logger)
//
// # Related Packages
//
//   - pkg/config: Observability configuration
//   - pkg/httputil: Request logging middleware
package observability
