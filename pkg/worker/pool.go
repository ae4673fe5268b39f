// Package worker drains the queue broker and runs every delivery
// through the billing gate. Redeliveries are expected and harmless: the
// ledger's uniqueness constraint collapses them to duplicate.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/tollgate/pkg/broker"
	"github.com/platinummonkey/tollgate/pkg/event"
	"github.com/platinummonkey/tollgate/pkg/gate"
	"github.com/platinummonkey/tollgate/pkg/observability"
)

// StaleClaimer reclaims deliveries stuck pending on dead consumers.
type StaleClaimer interface {
	ClaimStale(ctx context.Context, minIdle time.Duration, max int64) ([]broker.Message, error)
}

// Config tunes the worker pool.
type Config struct {
	Workers       int
	FetchBatch    int64
	FetchBlock    time.Duration
	ClaimInterval time.Duration
	ClaimMinIdle  time.Duration
	ReplayBatch   int
	ReplayEvery   time.Duration
}

// DefaultConfig returns sane pool defaults.
func DefaultConfig() Config {
	return Config{
		Workers:       4,
		FetchBatch:    32,
		FetchBlock:    5 * time.Second,
		ClaimInterval: time.Minute,
		ClaimMinIdle:  5 * time.Minute,
		ReplayBatch:   100,
		ReplayEvery:   30 * time.Second,
	}
}

// Pool runs a fixed set of consumers against the broker, plus a stale
// claim loop and a fallback replay loop.
type Pool struct {
	consumer broker.Consumer
	claimer  StaleClaimer
	replayer *broker.Replayer
	gate     *gate.Orchestrator
	logger   *observability.Logger
	metrics  *observability.Metrics
	config   Config
}

// NewPool creates a worker pool. claimer and replayer may be nil when
// the broker transport has no pending-entry semantics or no fallback
// buffer is wired.
func NewPool(consumer broker.Consumer, claimer StaleClaimer, replayer *broker.Replayer, g *gate.Orchestrator, logger *observability.Logger, metrics *observability.Metrics, config Config) *Pool {
	if config.Workers <= 0 {
		config = DefaultConfig()
	}
	return &Pool{
		consumer: consumer,
		claimer:  claimer,
		replayer: replayer,
		gate:     g,
		logger:   logger,
		metrics:  metrics,
		config:   config,
	}
}

// Run blocks until ctx is cancelled, then drains in-flight work.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < p.config.Workers; i++ {
		id := i
		g.Go(func() error {
			return p.consumeLoop(ctx, id)
		})
	}
	if p.claimer != nil {
		g.Go(func() error {
			return p.claimLoop(ctx)
		})
	}
	if p.replayer != nil {
		g.Go(func() error {
			return p.replayLoop(ctx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pool) consumeLoop(ctx context.Context, id int) error {
	log := p.logger.WithField("worker", id)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := p.consumer.Fetch(ctx, p.config.FetchBatch, p.config.FetchBlock)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.WithError(err).Warn("broker fetch failed, backing off")
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		for _, msg := range msgs {
			p.handle(ctx, log, msg)
		}
	}
}

// handle runs one delivery through the gate and always acks: every gate
// outcome, including fail-secure closures, is terminal for this
// delivery. A retry comes from the client or the fallback replayer,
// never from leaving the message pending.
func (p *Pool) handle(ctx context.Context, log *observability.Logger, msg broker.Message) {
	var e event.Event
	if err := json.Unmarshal(msg.Envelope.Payload, &e); err != nil {
		log.WithError(err).WithField("message_id", msg.Envelope.MessageID).
			Error("poison message: undecodable payload")
		p.ack(ctx, log, msg)
		return
	}

	start := time.Now()
	result, err := p.gate.Process(ctx, &e, msg.Envelope.ReceivedAt)
	p.metrics.GateDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, gate.ErrPersistence) {
			// Billed but not persisted. Re-running the gate would hit
			// duplicate and drop the event silently, so this delivery is
			// terminal and flagged for manual billing review.
			log.WithError(err).WithFields(map[string]interface{}{
				"message_id":      msg.Envelope.MessageID,
				"idempotency_key": result.Key,
			}).Error("permanent failure: manual billing review required")
		} else {
			log.WithError(err).WithField("message_id", msg.Envelope.MessageID).
				Error("gate processing failed")
		}
		p.ack(ctx, log, msg)
		return
	}

	log.WithFields(map[string]interface{}{
		"message_id": msg.Envelope.MessageID,
		"decision":   string(result.Code),
	}).Debug("event processed")
	p.ack(ctx, log, msg)
}

func (p *Pool) ack(ctx context.Context, log *observability.Logger, msg broker.Message) {
	if err := p.consumer.Ack(ctx, msg.ID); err != nil {
		// The redelivery this causes is safe: the ledger deduplicates.
		log.WithError(err).WithField("message_id", msg.Envelope.MessageID).
			Warn("failed to ack delivery")
	}
}

func (p *Pool) claimLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.config.ClaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			msgs, err := p.claimer.ClaimStale(ctx, p.config.ClaimMinIdle, p.config.FetchBatch)
			if err != nil {
				p.logger.WithError(err).Warn("stale claim failed")
				continue
			}
			for _, msg := range msgs {
				p.handle(ctx, p.logger.WithField("worker", "claimer"), msg)
			}
		}
	}
}

func (p *Pool) replayLoop(ctx context.Context) error {
	ticker := time.NewTicker(p.config.ReplayEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := p.replayer.ReplayBatch(ctx, p.config.ReplayBatch)
			if err != nil {
				p.logger.WithError(err).Warn("fallback replay failed")
				continue
			}
			if n > 0 {
				p.logger.WithField("replayed", n).Info("fallback buffer drained")
			}
		}
	}
}
