package chat

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"chatstream/internal/runtime"
	"chatstream/pkg"
)

var (
	// ErrSessionNotFound is returned when a session ID resolves to nothing.
	ErrSessionNotFound = errors.New("session not found")
	// ErrPersist wraps storage failures from the persistence path.
	ErrPersist = errors.New("persistence failed")
)

// previewLimit caps the stored last_message_preview length.
const previewLimit = 120

// Repository stores sessions, message history and request commit records.
// MarkRequestCommitted is the idempotency primitive: it returns false when
// the request was already committed, and every implementation must make the
// check-and-set atomic.
type Repository interface {
	CreateSession(ctx context.Context, title string) (*pkg.ChatSession, error)
	GetSession(ctx context.Context, sessionID string) (*pkg.ChatSession, error)
	ListSessions(ctx context.Context, limit, offset int) ([]pkg.ChatSession, error)
	DeleteSession(ctx context.Context, sessionID string) error

	AppendUserMessage(ctx context.Context, sessionID, content string) (*pkg.ChatMessage, error)
	AppendAssistantMessage(ctx context.Context, sessionID, requestID, content string, metadata map[string]any) (*pkg.ChatMessage, error)
	ListMessages(ctx context.Context, sessionID string) ([]pkg.ChatMessage, error)
	RecentMessages(ctx context.Context, sessionID string, n int) ([]pkg.ChatMessage, error)

	IsRequestCommitted(ctx context.Context, requestID string) (bool, error)
	MarkRequestCommitted(ctx context.Context, requestID string) (bool, error)
}

// MemoryRepository is the in-process Repository.
type MemoryRepository struct {
	mu       sync.Mutex
	sessions map[string]*pkg.ChatSession
	messages map[string][]pkg.ChatMessage
	commits  map[string]struct{}
	clock    runtime.Clock
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository(clock runtime.Clock) *MemoryRepository {
	if clock == nil {
		clock = runtime.SystemClock()
	}
	return &MemoryRepository{
		sessions: make(map[string]*pkg.ChatSession),
		messages: make(map[string][]pkg.ChatMessage),
		commits:  make(map[string]struct{}),
		clock:    clock,
	}
}

// CreateSession creates a session with a generated ID.
func (r *MemoryRepository) CreateSession(ctx context.Context, title string) (*pkg.ChatSession, error) {
	now := r.clock.Now().UTC()
	session := &pkg.ChatSession{
		SessionID: uuid.NewString(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	r.mu.Lock()
	r.sessions[session.SessionID] = session
	r.mu.Unlock()
	copied := *session
	return &copied, nil
}

// GetSession returns a copy of the session or ErrSessionNotFound.
func (r *MemoryRepository) GetSession(ctx context.Context, sessionID string) (*pkg.ChatSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	copied := *session
	return &copied, nil
}

// ListSessions returns sessions ordered by most recent activity.
func (r *MemoryRepository) ListSessions(ctx context.Context, limit, offset int) ([]pkg.ChatSession, error) {
	r.mu.Lock()
	all := make([]pkg.ChatSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, *s)
	}
	r.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].UpdatedAt.After(all[j].UpdatedAt)
	})
	if offset >= len(all) {
		return []pkg.ChatSession{}, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

// DeleteSession removes the session and its messages.
func (r *MemoryRepository) DeleteSession(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sessionID]; !ok {
		return ErrSessionNotFound
	}
	delete(r.sessions, sessionID)
	delete(r.messages, sessionID)
	return nil
}

// AppendUserMessage appends a user turn to the session history.
func (r *MemoryRepository) AppendUserMessage(ctx context.Context, sessionID, content string) (*pkg.ChatMessage, error) {
	return r.append(sessionID, pkg.RoleUser, content, "", nil)
}

// AppendAssistantMessage appends an assistant turn and refreshes the
// session's last message preview.
func (r *MemoryRepository) AppendAssistantMessage(ctx context.Context, sessionID, requestID, content string, metadata map[string]any) (*pkg.ChatMessage, error) {
	return r.append(sessionID, pkg.RoleAssistant, content, requestID, metadata)
}

func (r *MemoryRepository) append(sessionID string, role pkg.MessageRole, content, requestID string, metadata map[string]any) (*pkg.ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	now := r.clock.Now().UTC()
	msg := pkg.ChatMessage{
		MessageID: uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Sequence:  len(r.messages[sessionID]) + 1,
		Metadata:  metadata,
		CreatedAt: now,
	}
	if requestID != "" {
		if msg.Metadata == nil {
			msg.Metadata = map[string]any{}
		}
		msg.Metadata["request_id"] = requestID
	}
	r.messages[sessionID] = append(r.messages[sessionID], msg)
	session.UpdatedAt = now
	session.LastMessagePreview = truncatePreview(content)
	if session.Title == "" && role == pkg.RoleUser {
		session.Title = truncatePreview(content)
	}
	return &msg, nil
}

// ListMessages returns the session's full history in order.
func (r *MemoryRepository) ListMessages(ctx context.Context, sessionID string) ([]pkg.ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sessionID]; !ok {
		return nil, ErrSessionNotFound
	}
	msgs := r.messages[sessionID]
	out := make([]pkg.ChatMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

// RecentMessages returns the last n messages in chronological order.
func (r *MemoryRepository) RecentMessages(ctx context.Context, sessionID string, n int) ([]pkg.ChatMessage, error) {
	msgs, err := r.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if n > 0 && len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return msgs, nil
}

// IsRequestCommitted reports whether the request's result is already stored.
func (r *MemoryRepository) IsRequestCommitted(ctx context.Context, requestID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.commits[requestID]
	return ok, nil
}

// MarkRequestCommitted records the commit, returning false when it already
// existed.
func (r *MemoryRepository) MarkRequestCommitted(ctx context.Context, requestID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.commits[requestID]; ok {
		return false, nil
	}
	r.commits[requestID] = struct{}{}
	return true, nil
}

func truncatePreview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewLimit {
		return content
	}
	return string(runes[:previewLimit])
}
