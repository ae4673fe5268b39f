// Package async provides safe concurrent execution primitives for background tasks.
//
// # Overview
//
// This package handles goroutine lifecycle management with panic recovery, timeout
// enforcement, and context cancellation.
//
// # Key Functions
//
// SafeGo: Execute function in goroutine with safety features
//
//	async.SafeGo(ctx, 5*time.Second, "usage cache increment", func(ctx context.Context) error {
//		return cache.Incr(ctx, tenantID, period)
//	})
//
// SafeGoNoError: Same, for functions without an error return
//
// # Features
//
// Panic Recovery: Captures panics with stack traces
// Timeout Enforcement: Per-task timeouts
// Context Cancellation: Respects context cancellation
//
// # Use Cases
//
// Best-effort cache increments, background replays, and cache warming.
//
// # Related Packages
//
//   - pkg/gate: Uses SafeGoNoError for post-accept cache updates
package async
