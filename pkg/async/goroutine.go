package async

import (
	"context"
	"log"
	"runtime/debug"
	"time"
)

// SafeGo runs fn on its own goroutine under a timeout derived from
// parentCtx. Panics are recovered and logged with a stack trace, and a
// returned error is logged rather than propagated. Use it for
// fire-and-forget work where the caller must not block or crash, such
// as the post-accept usage cache increment:
//
//	SafeGo(ctx, 5*time.Second, "usage cache increment", func(ctx context.Context) error {
//	    return cache.Incr(ctx, tenantID, period)
//	})
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				log.Printf("[SafeGo] PANIC in %s: %v\nStack trace:\n%s",
					taskName, r, string(debug.Stack()))
			}
		}()

		if err := fn(ctx); err != nil {
			log.Printf("[SafeGo] Error in %s: %v", taskName, err)
		}
	}()
}

// SafeGoNoError is SafeGo for functions with nothing to report.
func SafeGoNoError(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context)) {
	SafeGo(parentCtx, timeout, taskName, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}
