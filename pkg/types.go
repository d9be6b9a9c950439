package pkg

import (
	"time"
)

// Core types shared between the runtime transports, the executor and the API layer.

// EventKind is the closed set of public stream event kinds.
type EventKind string

const (
	EventStart EventKind = "start"
	EventToken EventKind = "token"
	EventDone  EventKind = "done"
	EventError EventKind = "error"
)

// Valid reports whether the kind belongs to the closed public set.
func (k EventKind) Valid() bool {
	switch k {
	case EventStart, EventToken, EventDone, EventError:
		return true
	default:
		return false
	}
}

// Terminal reports whether the kind ends a request stream.
func (k EventKind) Terminal() bool {
	return k == EventDone || k == EventError
}

// SessionStatus is the execution status of a session's most recent job.
type SessionStatus string

const (
	StatusIdle      SessionStatus = "IDLE"
	StatusQueued    SessionStatus = "QUEUED"
	StatusRunning   SessionStatus = "RUNNING"
	StatusCompleted SessionStatus = "COMPLETED"
	StatusFailed    SessionStatus = "FAILED"
)

// Terminal reports whether the status is a final state for one job.
func (s SessionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// JobPayload describes one queued generation request. Immutable after creation.
type JobPayload struct {
	SessionID     string `json:"session_id"`
	RequestID     string `json:"request_id"`
	UserMessage   string `json:"user_message"`
	ContextWindow int    `json:"context_window"`
}

// QueueItem wraps a payload while it is owned by the job queue.
type QueueItem struct {
	ID         string     `json:"id"`
	Payload    JobPayload `json:"payload"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
}

// StreamEvent is one normalized generation event inside a request bucket.
// Events in a bucket are totally ordered by push order and the bucket ends
// with exactly one done or error event.
type StreamEvent struct {
	ItemID    string         `json:"item_id"`
	SessionID string         `json:"session_id"`
	RequestID string         `json:"request_id"`
	Kind      EventKind      `json:"kind"`
	Data      string         `json:"data"`
	Node      string         `json:"node"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// WireEvent is the public SSE payload for one stream event.
type WireEvent struct {
	SessionID    string         `json:"session_id"`
	RequestID    string         `json:"request_id"`
	Type         EventKind      `json:"type"`
	Node         string         `json:"node"`
	Content      string         `json:"content"`
	Status       *SessionStatus `json:"status"`
	ErrorMessage *string        `json:"error_message"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// SessionExecutionState is the copy-out view of one session's execution record.
type SessionExecutionState struct {
	SessionID    string        `json:"session_id"`
	Status       SessionStatus `json:"status"`
	StartedAt    *time.Time    `json:"started_at"`
	CompletedAt  *time.Time    `json:"completed_at"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

// MessageRole labels who authored a chat message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// ChatSession is a logical conversation scoping history and job serialization.
type ChatSession struct {
	SessionID          string    `json:"session_id"`
	Title              string    `json:"title"`
	LastMessagePreview string    `json:"last_message_preview"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// ChatMessage is one persisted turn inside a session.
type ChatMessage struct {
	MessageID string         `json:"message_id"`
	SessionID string         `json:"session_id"`
	Role      MessageRole    `json:"role"`
	Content   string         `json:"content"`
	Sequence  int            `json:"sequence"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
