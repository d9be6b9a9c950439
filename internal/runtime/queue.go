package runtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatstream/pkg"
)

var (
	// ErrQueueFull is returned by Put when a bounded queue is at capacity.
	ErrQueueFull = errors.New("job queue is full")
	// ErrQueueClosed is returned by Put and Get after Close.
	ErrQueueClosed = errors.New("job queue is closed")
)

// JobQueue decouples request acceptance from execution. Put never blocks on a
// full queue: rejection is the load-shedding signal surfaced to the caller.
// Get returns (nil, nil) on timeout and ErrQueueClosed once the queue is
// closed and drained.
type JobQueue interface {
	Put(ctx context.Context, payload pkg.JobPayload) (*pkg.QueueItem, error)
	Get(ctx context.Context, timeout time.Duration) (*pkg.QueueItem, error)
	Size(ctx context.Context) (int, error)
	Close() error
}

// MemoryJobQueue is the in-process JobQueue. Consumers block on a notify
// channel rather than polling.
type MemoryJobQueue struct {
	mu      sync.Mutex
	items   []*pkg.QueueItem
	maxSize int // 0 = unbounded
	closed  bool
	notify  chan struct{}
	done    chan struct{}
}

// NewMemoryJobQueue creates a bounded in-memory FIFO queue. maxSize 0 means
// unbounded.
func NewMemoryJobQueue(maxSize int) *MemoryJobQueue {
	if maxSize < 0 {
		maxSize = 0
	}
	return &MemoryJobQueue{
		maxSize: maxSize,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Put enqueues a payload. It fails with ErrQueueFull at capacity and
// ErrQueueClosed after Close.
func (q *MemoryJobQueue) Put(ctx context.Context, payload pkg.JobPayload) (*pkg.QueueItem, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	if q.maxSize > 0 && len(q.items) >= q.maxSize {
		q.mu.Unlock()
		return nil, ErrQueueFull
	}
	item := &pkg.QueueItem{
		ID:         uuid.NewString(),
		Payload:    payload,
		EnqueuedAt: time.Now().UTC(),
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	q.signal()
	return item, nil
}

// Get dequeues the oldest item, waiting up to timeout. It returns (nil, nil)
// when the timeout elapses with nothing available.
func (q *MemoryJobQueue) Get(ctx context.Context, timeout time.Duration) (*pkg.QueueItem, error) {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				q.signal()
			}
			return item, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, ErrQueueClosed
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-q.notify:
			timer.Stop()
		case <-q.done:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// Size returns the current queue depth.
func (q *MemoryJobQueue) Size(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items), nil
}

// Close marks the queue closed and unblocks every pending Get. Items already
// queued remain consumable until drained.
func (q *MemoryJobQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	close(q.done)
	return nil
}

func (q *MemoryJobQueue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
