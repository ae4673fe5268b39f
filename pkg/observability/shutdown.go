package observability

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// ShutdownFunc is one step of the shutdown sequence.
type ShutdownFunc func(context.Context) error

// ShutdownManager drains the service on SIGINT or SIGTERM. The HTTP
// server stops first so no new work arrives, then the registered
// functions run in registration order. Order matters: the worker pool
// must drain before its storage connections close.
type ShutdownManager struct {
	logger          *Logger
	server          *http.Server
	shutdownFuncs   []ShutdownFunc
	shutdownTimeout time.Duration
	mu              sync.Mutex
}

// NewShutdownManager creates a shutdown manager. A zero timeout means
// 30 seconds.
func NewShutdownManager(logger *Logger, server *http.Server, timeout time.Duration) *ShutdownManager {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &ShutdownManager{
		logger:          logger,
		server:          server,
		shutdownFuncs:   make([]ShutdownFunc, 0),
		shutdownTimeout: timeout,
	}
}

// RegisterShutdownFunc appends a step to the shutdown sequence.
func (sm *ShutdownManager) RegisterShutdownFunc(fn ShutdownFunc) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.shutdownFuncs = append(sm.shutdownFuncs, fn)
}

// WaitForShutdown blocks until a termination signal arrives, then runs
// the shutdown sequence under the configured timeout.
func (sm *ShutdownManager) WaitForShutdown() error {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	sm.logger.Infof("Received signal %s, starting graceful shutdown", sig)

	ctx, cancel := context.WithTimeout(context.Background(), sm.shutdownTimeout)
	defer cancel()

	if sm.server != nil {
		sm.logger.Info("Shutting down HTTP server")
		if err := sm.server.Shutdown(ctx); err != nil {
			sm.logger.WithError(err).Error("HTTP server shutdown error")
			return fmt.Errorf("HTTP server shutdown failed: %w", err)
		}
	}

	sm.mu.Lock()
	funcs := sm.shutdownFuncs
	sm.mu.Unlock()

	var errs []error
	for i, fn := range funcs {
		errCh := make(chan error, 1)
		go func(shutdownFn ShutdownFunc) {
			errCh <- shutdownFn(ctx)
		}(fn)

		select {
		case err := <-errCh:
			if err != nil {
				sm.logger.WithError(err).Errorf("Shutdown step %d failed", i)
				errs = append(errs, err)
			}
		case <-ctx.Done():
			sm.logger.Warnf("Shutdown timeout reached at step %d", i)
			return fmt.Errorf("shutdown timeout reached")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown completed with %d errors", len(errs))
	}

	sm.logger.Info("Graceful shutdown complete")
	return nil
}

// GracefulShutdown is a convenience wrapper for services that have no
// reason to hold on to the manager.
func GracefulShutdown(logger *Logger, server *http.Server, shutdownFuncs ...ShutdownFunc) error {
	manager := NewShutdownManager(logger, server, 30*time.Second)

	for _, fn := range shutdownFuncs {
		manager.RegisterShutdownFunc(fn)
	}

	return manager.WaitForShutdown()
}
