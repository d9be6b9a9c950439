package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatstream/pkg"
)

var (
	// ErrInvalidEvent is returned by Push for kinds outside the closed set or
	// events addressed to a different request. This is a programmer error in
	// the normalization step and should never occur in correct code.
	ErrInvalidEvent = errors.New("invalid stream event")
	// ErrBufferClosed is returned once the buffer lifecycle has ended.
	ErrBufferClosed = errors.New("event buffer is closed")
)

// EventBuffer is the per-(session, request) transport between the executor and
// stream relays. Buckets are forward buffers, not replay logs: an event popped
// by one reader is gone. Pop returns (nil, nil) on timeout.
type EventBuffer interface {
	Push(ctx context.Context, sessionID, requestID string, event pkg.StreamEvent) error
	Pop(ctx context.Context, sessionID, requestID string, timeout time.Duration) (*pkg.StreamEvent, error)
	Cleanup(ctx context.Context, sessionID, requestID string) error
	Size(ctx context.Context, sessionID, requestID string) (int, error)
	Close() error
}

// BufferOptions tunes the in-memory buffer.
type BufferOptions struct {
	TTL           time.Duration // bucket idle TTL; 0 disables eviction
	SweepInterval time.Duration
	Clock         Clock
	Logger        zerolog.Logger
}

type bucket struct {
	mu         sync.Mutex
	items      []pkg.StreamEvent
	notify     chan struct{}
	lastActive time.Time
}

// MemoryEventBuffer keeps buckets in process. A background sweep owned by the
// buffer evicts buckets idle past the TTL; explicit Cleanup by the executor is
// the primary reclamation path, the sweep is the safety net.
type MemoryEventBuffer struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	opts    BufferOptions
	log     zerolog.Logger

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewMemoryEventBuffer creates the buffer and starts its TTL sweep.
func NewMemoryEventBuffer(opts BufferOptions) *MemoryEventBuffer {
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Second
	}
	b := &MemoryEventBuffer{
		buckets: make(map[string]*bucket),
		opts:    opts,
		log:     opts.Logger,
		stop:    make(chan struct{}),
	}
	if opts.TTL > 0 {
		b.wg.Add(1)
		go b.sweepLoop()
	}
	return b
}

// Push appends an event to its request bucket.
func (b *MemoryEventBuffer) Push(ctx context.Context, sessionID, requestID string, event pkg.StreamEvent) error {
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
		event.CreatedAt = b.opts.Clock.Now().UTC()
	}
	event.SessionID = sessionID
	event.RequestID = requestID

	bk := b.bucket(bucketKey(sessionID, requestID))
	bk.mu.Lock()
	bk.items = append(bk.items, event)
	bk.lastActive = b.opts.Clock.Now()
	bk.mu.Unlock()

	select {
	case bk.notify <- struct{}{}:
	default:
	}
	return nil
}

// Pop removes and returns the oldest event of the bucket, waiting up to
// timeout. A missing bucket is created so a reader can subscribe before
// generation starts.
func (b *MemoryEventBuffer) Pop(ctx context.Context, sessionID, requestID string, timeout time.Duration) (*pkg.StreamEvent, error) {
	deadline := time.Now().Add(timeout)
	key := bucketKey(sessionID, requestID)
	for {
		bk := b.bucket(key)
		bk.mu.Lock()
		if len(bk.items) > 0 {
			ev := bk.items[0]
			bk.items = bk.items[1:]
			bk.lastActive = b.opts.Clock.Now()
			more := len(bk.items) > 0
			bk.mu.Unlock()
			if more {
				select {
				case bk.notify <- struct{}{}:
				default:
				}
			}
			return &ev, nil
		}
		bk.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-bk.notify:
			timer.Stop()
		case <-b.stop:
			timer.Stop()
			return nil, ErrBufferClosed
		case <-timer.C:
			return nil, nil
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
	}
}

// Cleanup eagerly releases a bucket.
func (b *MemoryEventBuffer) Cleanup(ctx context.Context, sessionID, requestID string) error {
	b.mu.Lock()
	delete(b.buckets, bucketKey(sessionID, requestID))
	b.mu.Unlock()
	return nil
}

// Size returns the number of buffered events for a request. It does not
// create a bucket.
func (b *MemoryEventBuffer) Size(ctx context.Context, sessionID, requestID string) (int, error) {
	b.mu.Lock()
	bk, ok := b.buckets[bucketKey(sessionID, requestID)]
	b.mu.Unlock()
	if !ok {
		return 0, nil
	}
	bk.mu.Lock()
	defer bk.mu.Unlock()
	return len(bk.items), nil
}

// Close stops the sweep and unblocks pending pops.
func (b *MemoryEventBuffer) Close() error {
	b.once.Do(func() { close(b.stop) })
	b.wg.Wait()
	return nil
}

// Sweep evicts every bucket idle past the TTL. The sweep loop calls it
// periodically; tests call it directly with a fake clock for deterministic
// eviction.
func (b *MemoryEventBuffer) Sweep() int {
	now := b.opts.Clock.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	evicted := 0
	for key, bk := range b.buckets {
		bk.mu.Lock()
		idle := now.Sub(bk.lastActive)
		bk.mu.Unlock()
		if idle > b.opts.TTL {
			delete(b.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		b.log.Debug().Int("evicted", evicted).Msg("event buffer sweep")
	}
	return evicted
}

func (b *MemoryEventBuffer) sweepLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.Sweep()
		case <-b.stop:
			return
		}
	}
}

func (b *MemoryEventBuffer) bucket(key string) *bucket {
	b.mu.Lock()
	defer b.mu.Unlock()
	bk, ok := b.buckets[key]
	if !ok {
		bk = &bucket{
			notify:     make(chan struct{}, 1),
			lastActive: b.opts.Clock.Now(),
		}
		b.buckets[key] = bk
	}
	return bk
}

func bucketKey(sessionID, requestID string) string {
	return sessionID + ":" + requestID
}
