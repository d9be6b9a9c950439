package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"chatstream/pkg"
)

// RedisEventBuffer backs EventBuffer with one Redis list per (session,
// request). Key TTL is the eviction mechanism, refreshed on every push, so no
// sweep goroutine is needed.
type RedisEventBuffer struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	clock  Clock
	log    zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// NewRedisEventBuffer creates a Redis-backed buffer. Keys expire after ttl of
// push inactivity.
func NewRedisEventBuffer(client *redis.Client, prefix string, ttl time.Duration, clock Clock, log zerolog.Logger) *RedisEventBuffer {
	if clock == nil {
		clock = SystemClock()
	}
	return &RedisEventBuffer{client: client, prefix: prefix, ttl: ttl, clock: clock, log: log}
}

// Push RPUSHes the event and refreshes the key TTL.
func (b *RedisEventBuffer) Push(ctx context.Context, sessionID, requestID string, event pkg.StreamEvent) error {
	if !event.Kind.Valid() {
		return fmt.Errorf("%w: kind %q", ErrInvalidEvent, event.Kind)
	}
	if event.RequestID != "" && event.RequestID != requestID {
		return fmt.Errorf("%w: event request_id %q does not match bucket %q", ErrInvalidEvent, event.RequestID, requestID)
	}
	if event.ItemID == "" {
		event.ItemID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = b.clock.Now().UTC()
	}
	event.SessionID = sessionID
	event.RequestID = requestID

	raw, err := sonic.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode stream event: %w", err)
	}
	key := b.key(sessionID, requestID)
	pipe := b.client.Pipeline()
	pipe.RPush(ctx, key, raw)
	if b.ttl > 0 {
		pipe.Expire(ctx, key, b.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to push stream event: %w", err)
	}
	return nil
}

// Pop BLPOPs the oldest event, waiting up to timeout. Sub-second timeouts are
// floored at one second because BLPOP truncates them to zero (block forever).
func (b *RedisEventBuffer) Pop(ctx context.Context, sessionID, requestID string, timeout time.Duration) (*pkg.StreamEvent, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, ErrBufferClosed
	}
	if timeout < time.Second {
		timeout = time.Second
	}
	res, err := b.client.BLPop(ctx, timeout, b.key(sessionID, requestID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop stream event: %w", err)
	}
	var event pkg.StreamEvent
	if err := sonic.Unmarshal([]byte(res[1]), &event); err != nil {
		b.log.Error().Err(err).Str("session_id", sessionID).Str("request_id", requestID).
			Msg("dropping undecodable stream event")
		return nil, nil
	}
	return &event, nil
}

// Cleanup deletes the request's list.
func (b *RedisEventBuffer) Cleanup(ctx context.Context, sessionID, requestID string) error {
	if err := b.client.Del(ctx, b.key(sessionID, requestID)).Err(); err != nil {
		return fmt.Errorf("failed to clean up stream buffer: %w", err)
	}
	return nil
}

// Size returns the list length.
func (b *RedisEventBuffer) Size(ctx context.Context, sessionID, requestID string) (int, error) {
	n, err := b.client.LLen(ctx, b.key(sessionID, requestID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read stream buffer size: %w", err)
	}
	return int(n), nil
}

// Close marks this handle closed. Keys expire on their own TTL.
func (b *RedisEventBuffer) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

func (b *RedisEventBuffer) key(sessionID, requestID string) string {
	return b.prefix + ":" + sessionID + ":" + requestID
}
