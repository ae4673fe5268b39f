package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Storage configuration
	Storage storage.Config

	// Edge ingestion configuration
	Edge EdgeConfig

	// Worker pool configuration
	Worker WorkerConfig

	// Background job configuration
	Jobs JobsConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// EdgeConfig holds ingestion edge settings
type EdgeConfig struct {
	RateLimitPerWindow  int
	RateLimitWindow     time.Duration
	MaxBodyBytes        int64
	PlanCacheTTL        time.Duration
	SiteAllowlistEnable bool
}

// WorkerConfig holds broker consumer pool settings
type WorkerConfig struct {
	Workers       int
	FetchBatch    int64
	FetchBlock    time.Duration
	ClaimInterval time.Duration
	ClaimMinIdle  time.Duration
	ReplayBatch   int
	ReplayEvery   time.Duration
}

// JobsConfig holds reconciliation and retention job settings
type JobsConfig struct {
	ReconcileSchedule string
	DriftThreshold    float64
	ReconcilePageSize int

	RetentionSchedule string
	RetentionWindow   time.Duration
	RetentionBatch    int
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	// Logging
	LogLevel observability.LogLevel

	// Metrics
	MetricsEnabled bool

	// OpenTelemetry
	OTelEnabled        bool
	OTelEndpoint       string
	OTelServiceName    string
	OTelServiceVersion string
	OTelInsecure       bool // Use insecure gRPC connection
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Storage:       loadStorageConfig(),
		Edge:          loadEdgeConfig(),
		Worker:        loadWorkerConfig(),
		Jobs:          loadJobsConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// loadServerConfig loads server configuration from environment
func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("TOLLGATE_HOST", "0.0.0.0"),
		Port:            getEnv("TOLLGATE_PORT", "8080"),
		ReadTimeout:     getEnvDuration("TOLLGATE_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("TOLLGATE_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("TOLLGATE_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("TOLLGATE_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("TOLLGATE_HEALTH_PORT", "9090"),
	}
}

// loadStorageConfig loads storage configuration from environment
func loadStorageConfig() storage.Config {
	cfg := storage.DefaultConfig()

	// PostgreSQL config
	if pgURL := getEnv("TOLLGATE_POSTGRES_URL", ""); pgURL != "" {
		cfg.PostgresURL = pgURL
	}
	if replicaURLs := getEnv("TOLLGATE_POSTGRES_REPLICA_URLS", ""); replicaURLs != "" {
		cfg.PostgresReplicaURLs = storage.ParseReplicaURLs(replicaURLs)
	}
	if maxConns := getEnvInt("TOLLGATE_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns := getEnvInt("TOLLGATE_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.MinConns = minConns
	}
	if timeout := getEnvDuration("TOLLGATE_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.ConnTimeout = timeout
	}

	// Redis config
	if redisURL := getEnv("TOLLGATE_REDIS_URL", ""); redisURL != "" {
		cfg.RedisURL = redisURL
	}
	if redisPassword := getEnv("TOLLGATE_REDIS_PASSWORD", ""); redisPassword != "" {
		cfg.RedisPassword = redisPassword
	}
	if redisDB := getEnvInt("TOLLGATE_REDIS_DB", -1); redisDB >= 0 {
		cfg.RedisDB = redisDB
	}
	if redisMaxRetries := getEnvInt("TOLLGATE_REDIS_MAX_RETRIES", 0); redisMaxRetries > 0 {
		cfg.RedisMaxRetries = redisMaxRetries
	}
	if redisPoolSize := getEnvInt("TOLLGATE_REDIS_POOL_SIZE", 0); redisPoolSize > 0 {
		cfg.RedisPoolSize = redisPoolSize
	}

	// Stream config
	if stream := getEnv("TOLLGATE_STREAM_NAME", ""); stream != "" {
		cfg.StreamName = stream
	}
	if group := getEnv("TOLLGATE_CONSUMER_GROUP", ""); group != "" {
		cfg.ConsumerGroup = group
	}
	if ttl := getEnvDuration("TOLLGATE_USAGE_CACHE_TTL", 0); ttl > 0 {
		cfg.UsageCacheTTL = ttl
	}

	return cfg
}

// loadEdgeConfig loads ingestion edge configuration from environment
func loadEdgeConfig() EdgeConfig {
	return EdgeConfig{
		RateLimitPerWindow:  getEnvInt("TOLLGATE_RATE_LIMIT_PER_WINDOW", 600),
		RateLimitWindow:     getEnvDuration("TOLLGATE_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:        int64(getEnvInt("TOLLGATE_MAX_BODY_BYTES", 256*1024)),
		PlanCacheTTL:        getEnvDuration("TOLLGATE_PLAN_CACHE_TTL", time.Minute),
		SiteAllowlistEnable: getEnvBool("TOLLGATE_SITE_ALLOWLIST_ENABLED", false),
	}
}

// loadWorkerConfig loads worker pool configuration from environment
func loadWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Workers:       getEnvInt("TOLLGATE_WORKERS", 4),
		FetchBatch:    int64(getEnvInt("TOLLGATE_FETCH_BATCH", 32)),
		FetchBlock:    getEnvDuration("TOLLGATE_FETCH_BLOCK", 5*time.Second),
		ClaimInterval: getEnvDuration("TOLLGATE_CLAIM_INTERVAL", time.Minute),
		ClaimMinIdle:  getEnvDuration("TOLLGATE_CLAIM_MIN_IDLE", 5*time.Minute),
		ReplayBatch:   getEnvInt("TOLLGATE_REPLAY_BATCH", 100),
		ReplayEvery:   getEnvDuration("TOLLGATE_REPLAY_EVERY", 30*time.Second),
	}
}

// loadJobsConfig loads background job configuration from environment
func loadJobsConfig() JobsConfig {
	return JobsConfig{
		ReconcileSchedule: getEnv("TOLLGATE_RECONCILE_SCHEDULE", "0 */6 * * *"),
		DriftThreshold:    getEnvFloat("TOLLGATE_DRIFT_THRESHOLD", 0.01),
		ReconcilePageSize: getEnvInt("TOLLGATE_RECONCILE_PAGE_SIZE", 500),
		RetentionSchedule: getEnv("TOLLGATE_RETENTION_SCHEDULE", "30 3 * * *"),
		RetentionWindow:   getEnvDuration("TOLLGATE_RETENTION_WINDOW", 90*24*time.Hour),
		RetentionBatch:    getEnvInt("TOLLGATE_RETENTION_BATCH", 5000),
	}
}

// loadObservabilityConfig loads observability configuration from environment
func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:           parseLogLevel(getEnv("TOLLGATE_LOG_LEVEL", "info")),
		MetricsEnabled:     getEnvBool("TOLLGATE_METRICS_ENABLED", true),
		OTelEnabled:        getEnvBool("TOLLGATE_OTEL_ENABLED", false),
		OTelEndpoint:       getEnv("TOLLGATE_OTEL_ENDPOINT", "localhost:4317"),
		OTelServiceName:    getEnv("TOLLGATE_OTEL_SERVICE_NAME", "tollgate"),
		OTelServiceVersion: getEnv("TOLLGATE_OTEL_SERVICE_VERSION", "1.0.0"),
		OTelInsecure:       getEnvBool("TOLLGATE_OTEL_INSECURE", true),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server config
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	// Validate storage config
	if c.Storage.PostgresURL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Storage.RedisURL == "" {
		return fmt.Errorf("redis URL is required")
	}
	if c.Storage.StreamName == "" {
		return fmt.Errorf("stream name is required")
	}
	if c.Storage.ConsumerGroup == "" {
		return fmt.Errorf("consumer group is required")
	}

	// Validate edge config
	if c.Edge.RateLimitPerWindow <= 0 {
		return fmt.Errorf("rate limit per window must be positive")
	}
	if c.Edge.MaxBodyBytes <= 0 {
		return fmt.Errorf("max body bytes must be positive")
	}

	// Validate worker config
	if c.Worker.Workers <= 0 {
		return fmt.Errorf("worker count must be positive")
	}

	// Validate job config
	if c.Jobs.DriftThreshold <= 0 || c.Jobs.DriftThreshold >= 1 {
		return fmt.Errorf("drift threshold must be in (0, 1)")
	}
	// Retention below 90 days would delete records still needed for
	// duplicate detection.
	if c.Jobs.RetentionWindow < 90*24*time.Hour {
		return fmt.Errorf("retention window must be at least 90 days")
	}

	// Validate OpenTelemetry config
	if c.Observability.OTelEnabled {
		if c.Observability.OTelEndpoint == "" {
			return fmt.Errorf("OpenTelemetry endpoint is required when OTel is enabled")
		}
		if c.Observability.OTelServiceName == "" {
			return fmt.Errorf("OpenTelemetry service name is required when OTel is enabled")
		}
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
