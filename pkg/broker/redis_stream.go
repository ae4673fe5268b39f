package broker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Stream field names for envelope encoding.
const (
	fieldMessageID  = "message_id"
	fieldTenantID   = "tenant_id"
	fieldReceivedAt = "received_at"
	fieldPayload    = "payload"
)

// RedisStream is a Publisher/Consumer over a Redis stream with a
// consumer group. Unacked deliveries are redelivered; the worker-side
// idempotency ledger makes redeliveries converge to duplicate.
type RedisStream struct {
	client   *redis.Client
	stream   string
	group    string
	consumer string
	maxLen   int64
}

// NewRedisStream creates a stream client. consumer should be unique per
// process (a hostname or uuid suffix) so pending entries can be
// reclaimed after a crash.
func NewRedisStream(client *redis.Client, stream, group, consumer string) *RedisStream {
	if consumer == "" {
		consumer = "tollgate-" + uuid.NewString()[:8]
	}
	return &RedisStream{
		client:   client,
		stream:   stream,
		group:    group,
		consumer: consumer,
		maxLen:   1_000_000,
	}
}

// EnsureGroup creates the consumer group (and the stream) if missing.
func (s *RedisStream) EnsureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.stream, s.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

// Publish appends the envelope to the stream.
func (s *RedisStream) Publish(ctx context.Context, env Envelope) error {
	if env.MessageID == "" {
		env.MessageID = uuid.NewString()
	}
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			fieldMessageID:  env.MessageID,
			fieldTenantID:   env.TenantID,
			fieldReceivedAt: env.ReceivedAt.UTC().Format(time.RFC3339Nano),
			fieldPayload:    string(env.Payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("stream publish failed: %w", err)
	}
	return nil
}

// Fetch reads up to max new entries for this consumer, blocking up to
// block when the stream is empty.
func (s *RedisStream) Fetch(ctx context.Context, max int64, block time.Duration) ([]Message, error) {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.stream, ">"},
		Count:    max,
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stream fetch failed: %w", err)
	}

	var msgs []Message
	for _, stream := range streams {
		for _, entry := range stream.Messages {
			env, err := decodeEntry(entry.Values)
			if err != nil {
				// A malformed entry can never process; ack it away so it
				// does not wedge the group.
				s.client.XAck(ctx, s.stream, s.group, entry.ID)
				continue
			}
			msgs = append(msgs, Message{ID: entry.ID, Envelope: env})
		}
	}
	return msgs, nil
}

// ClaimStale transfers entries pending longer than minIdle from dead
// consumers to this one, returning them for processing.
func (s *RedisStream) ClaimStale(ctx context.Context, minIdle time.Duration, max int64) ([]Message, error) {
	entries, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.stream,
		Group:    s.group,
		Consumer: s.consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    max,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("stream claim failed: %w", err)
	}

	var msgs []Message
	for _, entry := range entries {
		env, err := decodeEntry(entry.Values)
		if err != nil {
			s.client.XAck(ctx, s.stream, s.group, entry.ID)
			continue
		}
		msgs = append(msgs, Message{ID: entry.ID, Envelope: env})
	}
	return msgs, nil
}

// Ack marks a delivery as terminally handled.
func (s *RedisStream) Ack(ctx context.Context, id string) error {
	return s.client.XAck(ctx, s.stream, s.group, id).Err()
}

// Ping checks broker connectivity, for health checks.
func (s *RedisStream) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func decodeEntry(values map[string]interface{}) (Envelope, error) {
	env := Envelope{}

	id, ok := values[fieldMessageID].(string)
	if !ok {
		return env, fmt.Errorf("entry missing %s", fieldMessageID)
	}
	env.MessageID = id

	tenant, ok := values[fieldTenantID].(string)
	if !ok {
		return env, fmt.Errorf("entry missing %s", fieldTenantID)
	}
	env.TenantID = tenant

	tsStr, ok := values[fieldReceivedAt].(string)
	if !ok {
		return env, fmt.Errorf("entry missing %s", fieldReceivedAt)
	}
	ts, err := time.Parse(time.RFC3339Nano, tsStr)
	if err != nil {
		return env, fmt.Errorf("invalid %s: %w", fieldReceivedAt, err)
	}
	env.ReceivedAt = ts

	payload, ok := values[fieldPayload].(string)
	if !ok {
		return env, fmt.Errorf("entry missing %s", fieldPayload)
	}
	env.Payload = []byte(payload)

	return env, nil
}
