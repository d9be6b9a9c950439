package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	"chatstream/internal/config"
	"chatstream/pkg"
)

// Raw event names emitted by graph backends. The executor normalizes these
// into the public EventKind set.
const (
	GraphEventToken            = "token"
	GraphEventAssistantMessage = "assistant_message"
	GraphEventDone             = "done"
	GraphEventError            = "error"
)

// Graph node names.
const (
	NodeResponse = "response"
	NodeBlocked  = "blocked"
	NodeExecutor = "executor"
)

// GraphEvent is one raw event produced by a generation backend before
// normalization.
type GraphEvent struct {
	Node     string
	Event    string
	Data     string
	Metadata map[string]any
}

// GraphRunner produces the raw event stream for one generation request.
// Implementations end the stream after emitting done or error.
type GraphRunner interface {
	StreamEvents(ctx context.Context, sessionID, userMessage string, contextWindow int) (*schema.StreamReader[GraphEvent], error)
}

// EchoGraphRunner is the offline backend: it streams the user's message back
// word by word. Useful for local development and tests without an API key.
type EchoGraphRunner struct {
	delay time.Duration
}

// NewEchoGraphRunner creates an echo backend with the given per-token delay.
func NewEchoGraphRunner(delay time.Duration) *EchoGraphRunner {
	return &EchoGraphRunner{delay: delay}
}

// StreamEvents emits one token per word of the user message followed by done.
func (r *EchoGraphRunner) StreamEvents(ctx context.Context, sessionID, userMessage string, contextWindow int) (*schema.StreamReader[GraphEvent], error) {
	sr, sw := schema.Pipe[GraphEvent](8)
	go func() {
		defer sw.Close()
		reply := "You said: " + userMessage
		var tokens int
		for _, word := range strings.Fields(reply) {
			select {
			case <-ctx.Done():
				sw.Send(GraphEvent{Node: NodeExecutor, Event: GraphEventError, Data: ctx.Err().Error()}, nil)
				return
			default:
			}
			if closed := sw.Send(GraphEvent{Node: NodeResponse, Event: GraphEventToken, Data: word + " "}, nil); closed {
				return
			}
			tokens++
			if r.delay > 0 {
				time.Sleep(r.delay)
			}
		}
		sw.Send(GraphEvent{
			Node:     NodeResponse,
			Event:    GraphEventDone,
			Data:     reply,
			Metadata: map[string]any{"token_count": tokens},
		}, nil)
	}()
	return sr, nil
}

// ModelGraphRunner generates responses with a chat model, feeding it the
// session's recent history from the repository.
type ModelGraphRunner struct {
	model        model.BaseChatModel
	repo         Repository
	systemPrompt string
	log          zerolog.Logger
}

// NewModelGraphRunner builds the OpenAI-backed runner from configuration.
func NewModelGraphRunner(ctx context.Context, cfg config.GraphConfig, repo Repository, log zerolog.Logger) (*ModelGraphRunner, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("graph backend %q requires OPENAI_API_KEY", cfg.Backend)
	}
	maxTokens := cfg.MaxTokens
	temperature := float32(cfg.Temperature)
	cm, err := openai.NewChatModel(ctx, &openai.ChatModelConfig{
		APIKey:      cfg.APIKey,
		BaseURL:     cfg.BaseURL,
		Model:       cfg.Model,
		MaxTokens:   &maxTokens,
		Temperature: &temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}
	return &ModelGraphRunner{
		model:        cm,
		repo:         repo,
		systemPrompt: cfg.SystemPrompt,
		log:          log,
	}, nil
}

// StreamEvents streams model output as token events and closes with a done
// event carrying the full response and token count.
func (r *ModelGraphRunner) StreamEvents(ctx context.Context, sessionID, userMessage string, contextWindow int) (*schema.StreamReader[GraphEvent], error) {
	messages, err := r.buildMessages(ctx, sessionID, userMessage, contextWindow)
	if err != nil {
		return nil, err
	}
	stream, err := r.model.Stream(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("failed to start model stream: %w", err)
	}

	sr, sw := schema.Pipe[GraphEvent](8)
	go func() {
		defer sw.Close()
		defer stream.Close()
		var full strings.Builder
		var tokens int
		for {
			chunk, err := stream.Recv()
			if err != nil {
				if isStreamEnd(err) {
					sw.Send(GraphEvent{
						Node:     NodeResponse,
						Event:    GraphEventDone,
						Data:     full.String(),
						Metadata: map[string]any{"token_count": tokens},
					}, nil)
				} else {
					r.log.Error().Err(err).Str("session_id", sessionID).Msg("model stream failed")
					sw.Send(GraphEvent{Node: NodeExecutor, Event: GraphEventError, Data: err.Error()}, nil)
				}
				return
			}
			if chunk.Content == "" {
				continue
			}
			full.WriteString(chunk.Content)
			tokens++
			if closed := sw.Send(GraphEvent{Node: NodeResponse, Event: GraphEventToken, Data: chunk.Content}, nil); closed {
				return
			}
		}
	}()
	return sr, nil
}

// buildMessages assembles system prompt plus the last contextWindow turns.
// The user message is already persisted at submission, so history covers it.
func (r *ModelGraphRunner) buildMessages(ctx context.Context, sessionID, userMessage string, contextWindow int) ([]*schema.Message, error) {
	history, err := r.repo.RecentMessages(ctx, sessionID, contextWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	messages := make([]*schema.Message, 0, len(history)+2)
	if r.systemPrompt != "" {
		messages = append(messages, schema.SystemMessage(r.systemPrompt))
	}
	sawUserMessage := false
	for _, m := range history {
		switch m.Role {
		case pkg.RoleUser:
			messages = append(messages, schema.UserMessage(m.Content))
			if m.Content == userMessage {
				sawUserMessage = true
			}
		case pkg.RoleAssistant:
			messages = append(messages, schema.AssistantMessage(m.Content, nil))
		case pkg.RoleSystem:
			messages = append(messages, schema.SystemMessage(m.Content))
		}
	}
	if !sawUserMessage {
		messages = append(messages, schema.UserMessage(userMessage))
	}
	return messages, nil
}

func isStreamEnd(err error) bool {
	return errors.Is(err, io.EOF)
}
