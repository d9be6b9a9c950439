package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatstream/internal/metrics"
	"chatstream/internal/runtime"
	"chatstream/pkg"
)

func newRelayFixture(t *testing.T, opts RelayOptions) (*StreamRelay, *runtime.MemoryEventBuffer, *metrics.Collector) {
	t.Helper()
	buffer := runtime.NewMemoryEventBuffer(runtime.BufferOptions{Logger: zerolog.Nop()})
	t.Cleanup(func() { _ = buffer.Close() })
	col := metrics.NewCollector(prometheus.NewRegistry())
	return NewStreamRelay(buffer, col, opts, zerolog.Nop()), buffer, col
}

func TestRelayDeliversUntilDone(t *testing.T) {
	relay, buffer, _ := newRelayFixture(t, RelayOptions{PollTimeout: 50 * time.Millisecond, StreamTimeout: 5 * time.Second})
	ctx := context.Background()

	for _, ev := range []pkg.StreamEvent{
		{Kind: pkg.EventStart, Node: NodeExecutor},
		{Kind: pkg.EventToken, Node: NodeResponse, Data: "Hello "},
		{Kind: pkg.EventToken, Node: NodeResponse, Data: "world"},
		{Kind: pkg.EventDone, Node: NodeResponse, Data: "Hello world", Metadata: map[string]any{"token_count": 2}},
	} {
		require.NoError(t, buffer.Push(ctx, "s1", "r1", ev))
	}

	var got []pkg.WireEvent
	err := relay.Run(ctx, "s1", "r1", func(ev pkg.WireEvent) error {
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, got, 4)
	assert.Equal(t, pkg.EventStart, got[0].Type)
	assert.Nil(t, got[0].Status, "non-terminal events carry no status")
	assert.Nil(t, got[1].ErrorMessage)

	done := got[3]
	assert.Equal(t, pkg.EventDone, done.Type)
	require.NotNil(t, done.Status)
	assert.Equal(t, pkg.StatusCompleted, *done.Status)
	assert.Nil(t, done.ErrorMessage)

	// The relay cleans its bucket on exit.
	size, err := buffer.Size(ctx, "s1", "r1")
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestRelayErrorEventCarriesFailure(t *testing.T) {
	relay, buffer, _ := newRelayFixture(t, RelayOptions{PollTimeout: 50 * time.Millisecond, StreamTimeout: 5 * time.Second})
	ctx := context.Background()

	require.NoError(t, buffer.Push(ctx, "s1", "r1", pkg.StreamEvent{Kind: pkg.EventError, Node: NodeExecutor, Data: "model exploded"}))

	var got []pkg.WireEvent
	require.NoError(t, relay.Run(ctx, "s1", "r1", func(ev pkg.WireEvent) error {
		got = append(got, ev)
		return nil
	}))

	require.Len(t, got, 1)
	require.NotNil(t, got[0].Status)
	assert.Equal(t, pkg.StatusFailed, *got[0].Status)
	require.NotNil(t, got[0].ErrorMessage)
	assert.Equal(t, "model exploded", *got[0].ErrorMessage)
}

func TestRelayTimeoutSynthesizesError(t *testing.T) {
	relay, _, col := newRelayFixture(t, RelayOptions{PollTimeout: 20 * time.Millisecond, StreamTimeout: 60 * time.Millisecond})

	var got []pkg.WireEvent
	err := relay.Run(context.Background(), "s1", "r1", func(ev pkg.WireEvent) error {
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, pkg.EventError, got[0].Type)
	require.NotNil(t, got[0].Status)
	assert.Equal(t, pkg.StatusFailed, *got[0].Status)
	require.NotNil(t, got[0].ErrorMessage)
	assert.Contains(t, *got[0].ErrorMessage, "timed out")
	assert.Equal(t, 1.0, testutil.ToFloat64(col.StreamTimeouts))
}

// staleBuffer serves a canned event sequence, including stale entries that a
// shared external store could contain.
type staleBuffer struct {
	runtime.EventBuffer
	events []pkg.StreamEvent
}

func (b *staleBuffer) Pop(ctx context.Context, sessionID, requestID string, timeout time.Duration) (*pkg.StreamEvent, error) {
	if len(b.events) == 0 {
		return nil, nil
	}
	ev := b.events[0]
	b.events = b.events[1:]
	return &ev, nil
}

func (b *staleBuffer) Cleanup(ctx context.Context, sessionID, requestID string) error {
	return nil
}

func TestRelayDropsMismatchedRequest(t *testing.T) {
	// A stale event left over from another request must never reach the
	// client; the relay keeps waiting for its own events.
	buffer := &staleBuffer{events: []pkg.StreamEvent{
		{Kind: pkg.EventToken, Data: "stale", SessionID: "s1", RequestID: "old"},
		{Kind: pkg.EventDone, Node: NodeResponse, Data: "fresh", SessionID: "s1", RequestID: "r1"},
	}}
	col := metrics.NewCollector(prometheus.NewRegistry())
	relay := NewStreamRelay(buffer, col, RelayOptions{PollTimeout: 20 * time.Millisecond, StreamTimeout: 5 * time.Second}, zerolog.Nop())

	var got []pkg.WireEvent
	require.NoError(t, relay.Run(context.Background(), "s1", "r1", func(ev pkg.WireEvent) error {
		got = append(got, ev)
		return nil
	}))
	require.Len(t, got, 1)
	assert.Equal(t, "fresh", got[0].Content)
}

func TestRelayResubscribeResumesAfterDisconnect(t *testing.T) {
	relay, buffer, _ := newRelayFixture(t, RelayOptions{PollTimeout: 50 * time.Millisecond, StreamTimeout: 5 * time.Second})
	ctx := context.Background()

	for _, ev := range []pkg.StreamEvent{
		{Kind: pkg.EventStart, Node: NodeExecutor},
		{Kind: pkg.EventToken, Node: NodeResponse, Data: "one"},
		{Kind: pkg.EventToken, Node: NodeResponse, Data: "two"},
		{Kind: pkg.EventDone, Node: NodeResponse, Data: "one two"},
	} {
		require.NoError(t, buffer.Push(ctx, "s1", "r1", ev))
	}

	// First subscriber drops mid-stream.
	clientGone := errors.New("client gone")
	var delivered int
	err := relay.Run(ctx, "s1", "r1", func(pkg.WireEvent) error {
		delivered++
		if delivered == 2 {
			return clientGone
		}
		return nil
	})
	require.ErrorIs(t, err, clientGone)

	// The disconnect must not destroy the bucket: a resubscriber with the
	// same request ID picks up at the next not-yet-consumed event.
	var second []pkg.WireEvent
	require.NoError(t, relay.Run(ctx, "s1", "r1", func(ev pkg.WireEvent) error {
		second = append(second, ev)
		return nil
	}))
	require.Len(t, second, 2)
	assert.Equal(t, "two", second[0].Content)
	assert.Equal(t, pkg.EventDone, second[1].Type)

	// Cleanup happens once the terminal event is actually delivered.
	size, err := buffer.Size(ctx, "s1", "r1")
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestRelayCancelLeavesBucketIntact(t *testing.T) {
	relay, buffer, _ := newRelayFixture(t, RelayOptions{PollTimeout: 20 * time.Millisecond, StreamTimeout: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	bg := context.Background()
	require.NoError(t, buffer.Push(bg, "s1", "r1", pkg.StreamEvent{Kind: pkg.EventToken, Data: "kept"}))

	err := relay.Run(ctx, "s1", "r1", func(pkg.WireEvent) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)

	size, err := buffer.Size(bg, "s1", "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, size, "cancel must not reclaim undelivered events")
}

func TestRelayStopsOnEmitError(t *testing.T) {
	relay, buffer, _ := newRelayFixture(t, RelayOptions{PollTimeout: 50 * time.Millisecond, StreamTimeout: 5 * time.Second})
	ctx := context.Background()

	require.NoError(t, buffer.Push(ctx, "s1", "r1", pkg.StreamEvent{Kind: pkg.EventToken, Data: "x"}))

	clientGone := errors.New("client gone")
	err := relay.Run(ctx, "s1", "r1", func(pkg.WireEvent) error { return clientGone })
	assert.ErrorIs(t, err, clientGone)
}

func TestRelayStopsOnContextCancel(t *testing.T) {
	relay, _, _ := newRelayFixture(t, RelayOptions{PollTimeout: 20 * time.Millisecond, StreamTimeout: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	err := relay.Run(ctx, "s1", "r1", func(pkg.WireEvent) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEncodeSSE(t *testing.T) {
	status := pkg.StatusCompleted
	frame, err := EncodeSSE(pkg.WireEvent{
		SessionID: "s1",
		RequestID: "r1",
		Type:      pkg.EventDone,
		Node:      NodeResponse,
		Content:   "hi",
		Status:    &status,
	})
	require.NoError(t, err)

	text := string(frame)
	assert.True(t, strings.HasPrefix(text, "event: message\ndata: "), text)
	assert.True(t, strings.HasSuffix(text, "\n\n"), text)
	assert.Contains(t, text, `"type":"done"`)
	assert.Contains(t, text, `"status":"COMPLETED"`)
	assert.Contains(t, text, `"error_message":null`)
}
