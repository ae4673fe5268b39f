package storage

import (
	"strings"
	"time"
)

// Config holds storage backend configuration.
type Config struct {
	// PostgreSQL
	PostgresURL         string
	PostgresReplicaURLs []string
	MaxConns            int
	MinConns            int
	ConnTimeout         time.Duration
	ConnMaxLifetime     time.Duration
	ConnMaxIdleTime     time.Duration

	// Redis
	RedisURL        string
	RedisPassword   string
	RedisDB         int
	RedisMaxRetries int
	RedisPoolSize   int

	// Event stream
	StreamName    string
	ConsumerGroup string

	// Usage cache
	UsageCacheTTL time.Duration
}

// DefaultConfig returns a config with sensible defaults for local development.
func DefaultConfig() Config {
	return Config{
		PostgresURL:     "postgres://localhost:5432/tollgate?sslmode=disable",
		MaxConns:        25,
		MinConns:        5,
		ConnTimeout:     10 * time.Second,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		RedisURL:        "redis://localhost:6379/0",
		RedisDB:         -1,
		StreamName:      "tollgate:events",
		ConsumerGroup:   "tollgate-workers",
		UsageCacheTTL:   40 * 24 * time.Hour,
	}
}

// ParseReplicaURLs parses a comma-separated list of replica URLs.
func ParseReplicaURLs(replicaURLsStr string) []string {
	if replicaURLsStr == "" {
		return nil
	}

	urls := strings.Split(replicaURLsStr, ",")
	result := make([]string, 0, len(urls))

	for _, url := range urls {
		trimmed := strings.TrimSpace(url)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}

	return result
}
