// Package server exposes the chat runtime over HTTP: JSON endpoints for
// sessions and submissions, and a server-sent-events stream per request.
package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"chatstream/internal/chat"
	"chatstream/internal/runtime"
	"chatstream/pkg"
)

// Server bundles the HTTP handlers around the chat service and relay.
type Server struct {
	service  *chat.Service
	relay    *chat.StreamRelay
	repo     chat.Repository
	gatherer prometheus.Gatherer
	log      zerolog.Logger
}

// New creates the server.
func New(service *chat.Service, relay *chat.StreamRelay, repo chat.Repository, gatherer prometheus.Gatherer, log zerolog.Logger) *Server {
	return &Server{service: service, relay: relay, repo: repo, gatherer: gatherer, log: log}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	r.Route("/api/v1/chat", func(r chi.Router) {
		r.Post("/messages", s.handleSubmit)
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", s.handleCreateSession)
			r.Get("/", s.handleListSessions)
			r.Route("/{sessionID}", func(r chi.Router) {
				r.Delete("/", s.handleDeleteSession)
				r.Get("/status", s.handleStatus)
				r.Get("/messages", s.handleListMessages)
				r.Get("/requests/{requestID}/stream", s.handleStream)
			})
		})
	})
	return r
}

type submitRequest struct {
	SessionID     string `json:"session_id"`
	Message       string `json:"message"`
	ContextWindow int    `json:"context_window"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	result, err := s.service.Submit(r.Context(), req.SessionID, req.Message, req.ContextWindow)
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, chat.ErrSessionNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, runtime.ErrQueueFull), errors.Is(err, runtime.ErrQueueClosed):
		s.writeError(w, http.StatusServiceUnavailable, err.Error())
	case err != nil:
		s.log.Error().Err(err).Msg("submit failed")
		s.writeError(w, http.StatusInternalServerError, "internal error")
	default:
		s.writeJSON(w, http.StatusAccepted, result)
	}
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	requestID := chi.URLParam(r, "requestID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err := s.relay.Run(r.Context(), sessionID, requestID, func(event pkg.WireEvent) error {
		frame, err := chat.EncodeSSE(event)
		if err != nil {
			return err
		}
		if _, err := w.Write(frame); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil && !errors.Is(err, r.Context().Err()) {
		s.log.Warn().Err(err).Str("request_id", requestID).Msg("stream relay ended with error")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	state, err := s.service.Status(r.Context(), chi.URLParam(r, "sessionID"))
	if errors.Is(err, chat.ErrSessionNotFound) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("status lookup failed")
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

type createSessionRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	session, err := s.repo.CreateSession(r.Context(), req.Title)
	if err != nil {
		s.log.Error().Err(err).Msg("session creation failed")
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	sessions, err := s.repo.ListSessions(r.Context(), limit, offset)
	if err != nil {
		s.log.Error().Err(err).Msg("session listing failed")
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	err := s.repo.DeleteSession(r.Context(), chi.URLParam(r, "sessionID"))
	if errors.Is(err, chat.ErrSessionNotFound) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("session deletion failed")
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	messages, err := s.repo.ListMessages(r.Context(), chi.URLParam(r, "sessionID"))
	if errors.Is(err, chat.ErrSessionNotFound) {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("message listing failed")
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeJSON(r *http.Request, dst any) error {
	return sonic.ConfigDefault.NewDecoder(r.Body).Decode(dst)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := sonic.ConfigDefault.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error().Err(err).Msg("failed to write response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
