// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from environment variables with
// sensible defaults for all settings.
//
// # Configuration Structure
//
// Server settings:
//
//	TOLLGATE_HOST="0.0.0.0"
//	TOLLGATE_PORT="8080"
//	TOLLGATE_HEALTH_PORT="9090"
//	TOLLGATE_READ_TIMEOUT="15s"
//	TOLLGATE_WRITE_TIMEOUT="15s"
//
// Storage settings:
//
//	TOLLGATE_POSTGRES_URL="postgres://localhost/tollgate"
//	TOLLGATE_POSTGRES_REPLICA_URLS="postgres://r1/tollgate,postgres://r2/tollgate"
//	TOLLGATE_POSTGRES_MAX_CONNS="25"
//	TOLLGATE_REDIS_URL="redis://localhost:6379"
//	TOLLGATE_STREAM_NAME="tollgate:events"
//	TOLLGATE_CONSUMER_GROUP="tollgate-workers"
//
// Edge and worker settings:
//
//	TOLLGATE_RATE_LIMIT_PER_WINDOW="600"
//	TOLLGATE_RATE_LIMIT_WINDOW="1m"
//	TOLLGATE_MAX_BODY_BYTES="262144"
//	TOLLGATE_WORKERS="4"
//	TOLLGATE_FETCH_BATCH="32"
//
// Job settings:
//
//	TOLLGATE_RECONCILE_SCHEDULE="0 */6 * * *"
//	TOLLGATE_DRIFT_THRESHOLD="0.01"
//	TOLLGATE_RETENTION_SCHEDULE="30 3 * * *"
//	TOLLGATE_RETENTION_WINDOW="2160h"
//
// Observability settings:
//
//	TOLLGATE_LOG_LEVEL="info"  # debug, info, warn, error
//	TOLLGATE_METRICS_ENABLED="true"
//	TOLLGATE_OTEL_ENABLED="true"
//	TOLLGATE_OTEL_ENDPOINT="otel-collector:4317"
//
// # Usage Example
//
// Load configuration:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	fmt.Printf("Server: %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//	fmt.Printf("Log level: %v\n", cfg.Observability.LogLevel)
//
// # Related Packages
//
//   - pkg/storage: Uses storage configuration
//   - pkg/observability: Uses observability configuration
package config
