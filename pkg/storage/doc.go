// Package storage provides the persistence backends behind the billing gate.
//
// # Overview
//
// This package owns connectivity: a PostgreSQL connection manager with
// optional read replicas, and a Redis client factory. Domain packages own
// their own tables and keys; storage hands them connections.
//
// # PostgreSQL
//
//	cfg := storage.DefaultConfig()
//	cfg.PostgresURL = "postgres://localhost/tollgate"
//	cfg.PostgresReplicaURLs = storage.ParseReplicaURLs(os.Getenv("TOLLGATE_POSTGRES_REPLICA_URLS"))
//
//	cm, err := storage.NewConnectionManager(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer cm.Close()
//
//	ledger := idempotency.NewLedger(cm.Primary())
//
// Writes always go through Primary(). Replica() round-robins across healthy
// replicas and falls back to the primary when none are configured, so
// lag-tolerant reads (usage lookups, reconciliation counts) can be offloaded.
//
// # Redis
//
//	client, err := storage.NewRedisClient(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//	cache := quota.NewUsageCache(client, cfg.UsageCacheTTL)
//
// The same client serves the usage cache, the edge rate limiter, and the
// Redis Streams event broker.
//
// # Performance Considerations
//
// Connection Pooling: tune pool sizes based on concurrent request load:
//
//	cfg.MaxConns = 50  // Max concurrent queries
//	cfg.MinConns = 5   // Keep connections warm
//
// Timeouts: always use context with timeout for production code:
//
//	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
//	defer cancel()
//	err := cm.HealthCheck(ctx)
//
// # Related Packages
//
//   - pkg/idempotency: Ledger tables on the primary connection
//   - pkg/quota: Usage cache and snapshots
//   - pkg/broker: Redis Streams transport and Postgres fallback buffer
package storage
