// Package broker bridges the synchronous edge to the asynchronous
// worker over Redis Streams, with a PostgreSQL fallback buffer for
// publish failures.
package broker

import (
	"context"
	"encoding/json"
	"time"
)

// Envelope wraps one raw event payload for transport. ReceivedAt is the
// edge receipt time: the worker derives the idempotency key from it, so
// broker redeliveries of the same envelope always derive the same key.
type Envelope struct {
	MessageID  string          `json:"message_id"`
	TenantID   string          `json:"tenant_id"`
	ReceivedAt time.Time       `json:"received_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Publisher hands envelopes to the queue broker.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

// Message is an envelope plus its broker delivery id, needed to ack.
type Message struct {
	ID       string
	Envelope Envelope
}

// Consumer drains the queue broker. Fetch blocks up to the given
// duration; Ack marks a delivery as terminally handled.
type Consumer interface {
	Fetch(ctx context.Context, max int64, block time.Duration) ([]Message, error)
	Ack(ctx context.Context, id string) error
}
