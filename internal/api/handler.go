// Package api provides the local HTTP API the chat UI talks to.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/assistant-stream/internal/conversation"
	"github.com/ashureev/assistant-stream/internal/domain"
	"github.com/ashureev/assistant-stream/internal/session"
)

const defaultMaxRequestBodySize = 1 << 20

// Chat starts and cancels streaming sessions.
type Chat interface {
	SendMessage(ctx context.Context, req session.SendRequest) (*session.Session, error)
	Cancel(key domain.Key) bool
	Redirects() *conversation.Redirects
}

// MessageStore is the subset of conversation.Store the API reads and
// resets.
type MessageStore interface {
	SetMessages(key domain.Key, list []domain.Message)
	Owned(key domain.Key) bool
	StreamingState() domain.StreamingState
}

// MessageOpener returns a conversation's messages, loading them if needed.
type MessageOpener interface {
	Open(ctx context.Context, key domain.Key) ([]domain.Message, error)
}

// ConversationList serves the cached conversation list.
type ConversationList interface {
	Conversations() ([]domain.ConversationSummary, time.Time)
	RefreshConversations(ctx context.Context) error
}

// Pinger checks a dependency for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps wires a Handler.
type Deps struct {
	Chat          Chat
	Store         MessageStore
	Loader        MessageOpener
	Conversations ConversationList
	Limiter       *RateLimiter
	DB            Pinger
	MaxBodyBytes  int64
	Logger        *slog.Logger
}

// Handler serves the local API.
type Handler struct {
	chat          Chat
	store         MessageStore
	loader        MessageOpener
	conversations ConversationList
	limiter       *RateLimiter
	db            Pinger
	maxBodyBytes  int64
	logger        *slog.Logger
}

// NewHandler creates a Handler.
func NewHandler(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.MaxBodyBytes <= 0 {
		d.MaxBodyBytes = defaultMaxRequestBodySize
	}
	return &Handler{
		chat:          d.Chat,
		store:         d.Store,
		loader:        d.Loader,
		conversations: d.Conversations,
		limiter:       d.Limiter,
		db:            d.DB,
		maxBodyBytes:  d.MaxBodyBytes,
		logger:        d.Logger,
	}
}

// RegisterRoutes mounts the API on r.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Post("/chat/send", h.Send)
		r.Post("/chat/{key}/cancel", h.Cancel)
		r.Get("/streaming-state", h.StreamingState)
		r.Post("/redirects/consume", h.ConsumeRedirect)
		r.Get("/conversations", h.ListConversations)
		r.Get("/conversations/{key}/messages", h.GetMessages)
		r.Put("/conversations/{key}/messages", h.PutMessages)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// decode reads a size-limited JSON body into v. On failure it returns the
// status to answer with.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) (int, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return http.StatusRequestEntityTooLarge, fmt.Errorf("request body too large")
		}
		return http.StatusBadRequest, fmt.Errorf("invalid request body")
	}
	return 0, nil
}

// Health reports the status of the API and its database.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]any{"status": "healthy", "checks": checks}
	code := http.StatusOK

	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			h.logger.Error("Health check failed", "error", err)
			status["status"] = "degraded"
			checks["database"] = "unreachable"
			code = http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}
	}
	JSON(w, code, status)
}
