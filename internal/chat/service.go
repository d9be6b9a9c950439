package chat

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatstream/internal/metrics"
	"chatstream/internal/runtime"
	"chatstream/pkg"
)

// ErrEmptyMessage is returned when a submission carries no user text.
var ErrEmptyMessage = errors.New("message must not be empty")

// SubmitResult is the acceptance receipt for one submission.
type SubmitResult struct {
	SessionID string            `json:"session_id"`
	RequestID string            `json:"request_id"`
	Status    pkg.SessionStatus `json:"status"`
}

// Service is the submission front of the runtime: it resolves the session,
// records the user turn and enqueues the job. Generation happens later in
// the executor.
type Service struct {
	queue                runtime.JobQueue
	tracker              *SessionTracker
	repo                 Repository
	metrics              *metrics.Collector
	defaultContextWindow int
	log                  zerolog.Logger
}

// NewService wires the submission service.
func NewService(queue runtime.JobQueue, tracker *SessionTracker, repo Repository, col *metrics.Collector, defaultContextWindow int, log zerolog.Logger) *Service {
	if defaultContextWindow < 1 {
		defaultContextWindow = 1
	}
	return &Service{
		queue:                queue,
		tracker:              tracker,
		repo:                 repo,
		metrics:              col,
		defaultContextWindow: defaultContextWindow,
		log:                  log,
	}
}

// Submit accepts one user message. An empty sessionID creates a fresh
// session; an unknown one is ErrSessionNotFound. On success the job is
// queued and the session shows QUEUED unless it is already RUNNING.
func (s *Service) Submit(ctx context.Context, sessionID, message string, contextWindow int) (*SubmitResult, error) {
	if message == "" {
		return nil, ErrEmptyMessage
	}
	if contextWindow <= 0 {
		contextWindow = s.defaultContextWindow
	}

	if sessionID == "" {
		session, err := s.repo.CreateSession(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}
		sessionID = session.SessionID
	} else if _, err := s.repo.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	// The user turn is recorded at acceptance so history is complete even if
	// the job later fails.
	if _, err := s.repo.AppendUserMessage(ctx, sessionID, message); err != nil {
		return nil, fmt.Errorf("failed to record user message: %w", err)
	}

	requestID := uuid.NewString()
	// QUEUED must be visible before the job hits the queue: a worker can
	// dequeue and finish it before Put even returns, and writing QUEUED
	// afterwards would demote that result.
	revert := s.tracker.MarkQueued(sessionID)
	_, err := s.queue.Put(ctx, pkg.JobPayload{
		SessionID:     sessionID,
		RequestID:     requestID,
		UserMessage:   message,
		ContextWindow: contextWindow,
	})
	if err != nil {
		revert()
		if errors.Is(err, runtime.ErrQueueFull) {
			s.metrics.JobsRejected.Inc()
		}
		return nil, err
	}
	s.metrics.JobsEnqueued.Inc()
	if depth, err := s.queue.Size(ctx); err == nil {
		s.metrics.QueueDepth.Set(float64(depth))
	}

	s.log.Info().Str("session_id", sessionID).Str("request_id", requestID).Msg("job queued")
	return &SubmitResult{SessionID: sessionID, RequestID: requestID, Status: s.tracker.GetStatus(sessionID)}, nil
}

// Status returns the session's execution state, verifying it exists.
func (s *Service) Status(ctx context.Context, sessionID string) (*pkg.SessionExecutionState, error) {
	if _, err := s.repo.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	state := s.tracker.GetState(sessionID)
	return &state, nil
}
