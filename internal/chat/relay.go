package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"

	"chatstream/internal/metrics"
	"chatstream/internal/runtime"
	"chatstream/pkg"
)

// RelayOptions tunes one stream relay.
type RelayOptions struct {
	PollTimeout   time.Duration // per-pop wait
	StreamTimeout time.Duration // overall inactivity budget
}

// StreamRelay drains one request's bucket and hands wire events to an emit
// callback until a terminal event, the inactivity budget, or the client
// going away. When the budget elapses it synthesizes a FAILED error event for
// the client but leaves the session's tracked status alone: the executor may
// still be working and owns that state.
type StreamRelay struct {
	buffer  runtime.EventBuffer
	metrics *metrics.Collector
	opts    RelayOptions
	log     zerolog.Logger
}

// NewStreamRelay creates a relay over the shared event buffer.
func NewStreamRelay(buffer runtime.EventBuffer, col *metrics.Collector, opts RelayOptions, log zerolog.Logger) *StreamRelay {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 500 * time.Millisecond
	}
	if opts.StreamTimeout <= 0 {
		opts.StreamTimeout = 3 * time.Minute
	}
	return &StreamRelay{buffer: buffer, metrics: col, opts: opts, log: log}
}

// Run streams wire events for one request until the stream ends. emit is
// called once per event; an emit error (client disconnect) ends the relay.
// The bucket is cleaned up only after the stream actually finished, on a
// delivered terminal event or a synthesized timeout. A disconnect leaves the
// bucket intact so a resubscriber with the same request ID resumes at the
// next not-yet-consumed event; the executor's grace cleanup and the TTL
// reclaim abandoned buckets.
func (r *StreamRelay) Run(ctx context.Context, sessionID, requestID string, emit func(pkg.WireEvent) error) error {
	log := r.log.With().Str("session_id", sessionID).Str("request_id", requestID).Logger()
	r.metrics.ActiveStreams.Inc()
	defer r.metrics.ActiveStreams.Dec()

	lastActivity := time.Now()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		event, err := r.buffer.Pop(ctx, sessionID, requestID, r.opts.PollTimeout)
		if err != nil {
			return fmt.Errorf("failed to pop stream event: %w", err)
		}
		if event == nil {
			if time.Since(lastActivity) >= r.opts.StreamTimeout {
				log.Warn().Dur("budget", r.opts.StreamTimeout).Msg("stream timed out waiting for events")
				r.metrics.StreamTimeouts.Inc()
				timeoutEvent := timeoutWireEvent(sessionID, requestID, r.opts.StreamTimeout)
				if err := emit(timeoutEvent); err != nil {
					return err
				}
				r.cleanup(log, sessionID, requestID)
				return nil
			}
			continue
		}
		if event.RequestID != requestID {
			// A stale or misrouted event. Drop it, never forward.
			log.Warn().Str("event_request_id", event.RequestID).Msg("dropping mismatched stream event")
			continue
		}
		lastActivity = time.Now()
		if err := emit(buildWireEvent(event)); err != nil {
			return err
		}
		if event.Kind.Terminal() {
			r.cleanup(log, sessionID, requestID)
			return nil
		}
	}
}

func (r *StreamRelay) cleanup(log zerolog.Logger, sessionID, requestID string) {
	if err := r.buffer.Cleanup(context.Background(), sessionID, requestID); err != nil {
		log.Warn().Err(err).Msg("stream buffer cleanup failed")
	}
}

// buildWireEvent converts a buffered event into the public wire shape. Done
// carries COMPLETED, error carries FAILED plus a message; tokens carry
// neither.
func buildWireEvent(event *pkg.StreamEvent) pkg.WireEvent {
	wire := pkg.WireEvent{
		SessionID: event.SessionID,
		RequestID: event.RequestID,
		Type:      event.Kind,
		Node:      event.Node,
		Content:   event.Data,
		Metadata:  event.Metadata,
	}
	switch event.Kind {
	case pkg.EventDone:
		status := pkg.StatusCompleted
		wire.Status = &status
	case pkg.EventError:
		status := pkg.StatusFailed
		wire.Status = &status
		msg := event.Data
		if msg == "" {
			msg = "generation failed"
		}
		wire.ErrorMessage = &msg
	}
	return wire
}

// timeoutWireEvent is the synthesized terminal event for an inactive stream.
// It reports failure to this client only; session state is untouched.
func timeoutWireEvent(sessionID, requestID string, budget time.Duration) pkg.WireEvent {
	status := pkg.StatusFailed
	msg := fmt.Sprintf("stream timed out after %s without events", budget)
	return pkg.WireEvent{
		SessionID:    sessionID,
		RequestID:    requestID,
		Type:         pkg.EventError,
		Node:         NodeExecutor,
		Content:      msg,
		Status:       &status,
		ErrorMessage: &msg,
	}
}

// EncodeSSE renders one wire event as a server-sent-events frame.
func EncodeSSE(event pkg.WireEvent) ([]byte, error) {
	payload, err := sonic.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode wire event: %w", err)
	}
	frame := make([]byte, 0, len(payload)+32)
	frame = append(frame, "event: message\ndata: "...)
	frame = append(frame, payload...)
	frame = append(frame, "\n\n"...)
	return frame, nil
}
