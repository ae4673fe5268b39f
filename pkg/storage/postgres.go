package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// ConnectionManager manages the PostgreSQL primary and optional read replicas.
// Writes always go to the primary; reads that tolerate replication lag can use
// Replica() for round-robin load spreading.
type ConnectionManager struct {
	primary  *sql.DB
	replicas []*sql.DB
	current  uint32
	mu       sync.RWMutex
}

// NewConnectionManager opens and verifies the primary connection and any
// configured replicas. Replica failures are non-fatal; the manager falls back
// to the primary when no replica is reachable.
func NewConnectionManager(cfg Config) (*ConnectionManager, error) {
	cm := &ConnectionManager{}

	primary, err := openPool(cfg, cfg.PostgresURL, cfg.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to primary: %w", err)
	}
	cm.primary = primary

	for i, replicaURL := range cfg.PostgresReplicaURLs {
		// Replicas get half the primary's pool, minimum 2
		maxConns := cfg.MaxConns / 2
		if maxConns < 2 {
			maxConns = 2
		}

		replica, err := openPool(cfg, replicaURL, maxConns)
		if err != nil {
			fmt.Printf("Warning: replica %d unavailable: %v\n", i, err)
			continue
		}
		cm.replicas = append(cm.replicas, replica)
	}

	return cm, nil
}

func openPool(cfg Config, url string, maxConns int) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection: %w", err)
	}

	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(cfg.MinConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping: %w", err)
	}

	return db, nil
}

// Primary returns the primary database connection (for writes).
func (cm *ConnectionManager) Primary() *sql.DB {
	return cm.primary
}

// Replica returns a read replica using round-robin selection.
// Falls back to primary if no replicas are available.
func (cm *ConnectionManager) Replica() *sql.DB {
	cm.mu.RLock()
	replicaCount := len(cm.replicas)
	cm.mu.RUnlock()

	if replicaCount == 0 {
		return cm.primary
	}

	index := atomic.AddUint32(&cm.current, 1)

	cm.mu.RLock()
	replica := cm.replicas[int(index%uint32(replicaCount))]
	cm.mu.RUnlock()

	return replica
}

// HealthCheck pings the primary. Replica failures do not make the manager
// unhealthy because every read path falls back to the primary.
func (cm *ConnectionManager) HealthCheck(ctx context.Context) error {
	if err := cm.primary.PingContext(ctx); err != nil {
		return fmt.Errorf("primary unhealthy: %w", err)
	}
	return nil
}

// Stats returns connection pool statistics for the primary.
func (cm *ConnectionManager) Stats() sql.DBStats {
	return cm.primary.Stats()
}

// Close closes all database connections.
func (cm *ConnectionManager) Close() error {
	var errs []error

	if err := cm.primary.Close(); err != nil {
		errs = append(errs, fmt.Errorf("primary close error: %w", err))
	}

	cm.mu.Lock()
	replicas := cm.replicas
	cm.replicas = nil
	cm.mu.Unlock()

	for i, replica := range replicas {
		if err := replica.Close(); err != nil {
			errs = append(errs, fmt.Errorf("replica-%d close error: %w", i, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("connection close errors: %v", errs)
	}

	return nil
}
