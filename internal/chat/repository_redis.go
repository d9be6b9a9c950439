package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"chatstream/internal/runtime"
	"chatstream/pkg"
)

// RedisRepository stores sessions and history in Redis. Sessions are JSON
// blobs, history is one list per session, commit records are plain SETNX
// keys, and a sorted set scored by last activity backs ListSessions.
type RedisRepository struct {
	client *redis.Client
	prefix string
	clock  runtime.Clock
}

// NewRedisRepository creates a Redis-backed repository under the key prefix.
func NewRedisRepository(client *redis.Client, prefix string, clock runtime.Clock) *RedisRepository {
	if clock == nil {
		clock = runtime.SystemClock()
	}
	return &RedisRepository{client: client, prefix: prefix, clock: clock}
}

func (r *RedisRepository) sessionKey(sessionID string) string {
	return fmt.Sprintf("%s:session:%s", r.prefix, sessionID)
}

func (r *RedisRepository) messagesKey(sessionID string) string {
	return fmt.Sprintf("%s:messages:%s", r.prefix, sessionID)
}

func (r *RedisRepository) commitKey(requestID string) string {
	return fmt.Sprintf("%s:commit:%s", r.prefix, requestID)
}

func (r *RedisRepository) indexKey() string {
	return r.prefix + ":sessions"
}

// CreateSession stores a new session and indexes it.
func (r *RedisRepository) CreateSession(ctx context.Context, title string) (*pkg.ChatSession, error) {
	now := r.clock.Now().UTC()
	session := &pkg.ChatSession{
		SessionID: uuid.NewString(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.saveSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (r *RedisRepository) saveSession(ctx context.Context, session *pkg.ChatSession) error {
	raw, err := sonic.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	pipe := r.client.Pipeline()
	pipe.Set(ctx, r.sessionKey(session.SessionID), raw, 0)
	pipe.ZAdd(ctx, r.indexKey(), redis.Z{
		Score:  float64(session.UpdatedAt.UnixMilli()),
		Member: session.SessionID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// GetSession loads a session or returns ErrSessionNotFound.
func (r *RedisRepository) GetSession(ctx context.Context, sessionID string) (*pkg.ChatSession, error) {
	raw, err := r.client.Get(ctx, r.sessionKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	var session pkg.ChatSession
	if err := sonic.Unmarshal([]byte(raw), &session); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &session, nil
}

// ListSessions pages through sessions by recency.
func (r *RedisRepository) ListSessions(ctx context.Context, limit, offset int) ([]pkg.ChatSession, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := r.client.ZRevRange(ctx, r.indexKey(), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	sessions := make([]pkg.ChatSession, 0, len(ids))
	for _, id := range ids {
		session, err := r.GetSession(ctx, id)
		if errors.Is(err, ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, nil
}

// DeleteSession removes the session, its history and its index entry.
func (r *RedisRepository) DeleteSession(ctx context.Context, sessionID string) error {
	deleted, err := r.client.Del(ctx, r.sessionKey(sessionID)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if deleted == 0 {
		return ErrSessionNotFound
	}
	pipe := r.client.Pipeline()
	pipe.Del(ctx, r.messagesKey(sessionID))
	pipe.ZRem(ctx, r.indexKey(), sessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete session history: %w", err)
	}
	return nil
}

// AppendUserMessage appends a user turn.
func (r *RedisRepository) AppendUserMessage(ctx context.Context, sessionID, content string) (*pkg.ChatMessage, error) {
	return r.append(ctx, sessionID, pkg.RoleUser, content, "", nil)
}

// AppendAssistantMessage appends an assistant turn and refreshes the preview.
func (r *RedisRepository) AppendAssistantMessage(ctx context.Context, sessionID, requestID, content string, metadata map[string]any) (*pkg.ChatMessage, error) {
	return r.append(ctx, sessionID, pkg.RoleAssistant, content, requestID, metadata)
}

func (r *RedisRepository) append(ctx context.Context, sessionID string, role pkg.MessageRole, content, requestID string, metadata map[string]any) (*pkg.ChatMessage, error) {
	session, err := r.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	seq, err := r.client.LLen(ctx, r.messagesKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read history length: %w", err)
	}
	now := r.clock.Now().UTC()
	msg := pkg.ChatMessage{
		MessageID: uuid.NewString(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Sequence:  int(seq) + 1,
		Metadata:  metadata,
		CreatedAt: now,
	}
	if requestID != "" {
		if msg.Metadata == nil {
			msg.Metadata = map[string]any{}
		}
		msg.Metadata["request_id"] = requestID
	}
	raw, err := sonic.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	if err := r.client.RPush(ctx, r.messagesKey(sessionID), raw).Err(); err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}

	session.UpdatedAt = now
	session.LastMessagePreview = truncatePreview(content)
	if session.Title == "" && role == pkg.RoleUser {
		session.Title = truncatePreview(content)
	}
	if err := r.saveSession(ctx, session); err != nil {
		return nil, err
	}
	return &msg, nil
}

// ListMessages returns the session's full history in order.
func (r *RedisRepository) ListMessages(ctx context.Context, sessionID string) ([]pkg.ChatMessage, error) {
	if _, err := r.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return r.rangeMessages(ctx, sessionID, 0, -1)
}

// RecentMessages returns the last n messages in chronological order.
func (r *RedisRepository) RecentMessages(ctx context.Context, sessionID string, n int) ([]pkg.ChatMessage, error) {
	if _, err := r.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	start := int64(0)
	if n > 0 {
		start = int64(-n)
	}
	return r.rangeMessages(ctx, sessionID, start, -1)
}

func (r *RedisRepository) rangeMessages(ctx context.Context, sessionID string, start, stop int64) ([]pkg.ChatMessage, error) {
	raws, err := r.client.LRange(ctx, r.messagesKey(sessionID), start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	msgs := make([]pkg.ChatMessage, 0, len(raws))
	for _, raw := range raws {
		var msg pkg.ChatMessage
		if err := sonic.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("failed to decode message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// IsRequestCommitted reports whether a commit record exists for the request.
func (r *RedisRepository) IsRequestCommitted(ctx context.Context, requestID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.commitKey(requestID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check commit record: %w", err)
	}
	return n > 0, nil
}

// MarkRequestCommitted writes the commit record with SETNX, returning false
// when another writer got there first.
func (r *RedisRepository) MarkRequestCommitted(ctx context.Context, requestID string) (bool, error) {
	ok, err := r.client.SetNX(ctx, r.commitKey(requestID), r.clock.Now().UTC().Format(time.RFC3339), 0).Result()
	if err != nil {
		return false, fmt.Errorf("failed to write commit record: %w", err)
	}
	return ok, nil
}
