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

// RedisJobQueue backs JobQueue with a Redis list so multiple executor
// processes can share one queue. Put LPUSHes, Get BRPOPs, so the list head is
// the newest item and the tail is consumed first.
type RedisJobQueue struct {
	client  *redis.Client
	key     string
	maxSize int
	log     zerolog.Logger

	mu     sync.Mutex
	closed bool
}

// NewRedisJobQueue creates a Redis-backed queue on the given list key.
// maxSize 0 means unbounded.
func NewRedisJobQueue(client *redis.Client, key string, maxSize int, log zerolog.Logger) *RedisJobQueue {
	if maxSize < 0 {
		maxSize = 0
	}
	return &RedisJobQueue{client: client, key: key, maxSize: maxSize, log: log}
}

// Put enqueues a payload. The capacity check and the push are not atomic;
// under races the queue can briefly overshoot maxSize, which is acceptable
// for load shedding.
func (q *RedisJobQueue) Put(ctx context.Context, payload pkg.JobPayload) (*pkg.QueueItem, error) {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return nil, ErrQueueClosed
	}
	if q.maxSize > 0 {
		depth, err := q.client.LLen(ctx, q.key).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to check queue depth: %w", err)
		}
		if depth >= int64(q.maxSize) {
			return nil, ErrQueueFull
		}
	}
	item := &pkg.QueueItem{
		ID:         uuid.NewString(),
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}
	raw, err := sonic.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("failed to encode queue item: %w", err)
	}
	if err := q.client.LPush(ctx, q.key, raw).Err(); err != nil {
		return nil, fmt.Errorf("failed to enqueue item: %w", err)
	}
	return item, nil
}

// Get blocks on BRPOP up to timeout and returns (nil, nil) when it elapses.
// BRPOP rounds sub-second timeouts down to zero, which would block forever,
// so the timeout is floored at one second.
func (q *RedisJobQueue) Get(ctx context.Context, timeout time.Duration) (*pkg.QueueItem, error) {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return nil, ErrQueueClosed
	}
	if timeout < time.Second {
		timeout = time.Second
	}
	res, err := q.client.BRPop(ctx, timeout, q.key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue item: %w", err)
	}
	var item pkg.QueueItem
	if err := sonic.Unmarshal([]byte(res[1]), &item); err != nil {
		q.log.Error().Err(err).Str("key", q.key).Msg("dropping undecodable queue item")
		return nil, nil
	}
	return &item, nil
}

// Size returns the list length.
func (q *RedisJobQueue) Size(ctx context.Context) (int, error) {
	depth, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return int(depth), nil
}

// Close marks this handle closed. The Redis list itself is left intact for
// other consumers.
func (q *RedisJobQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}
