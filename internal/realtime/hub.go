// Package realtime pushes conversation updates, toasts and redirects to UI
// clients over WebSocket.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ashureev/assistant-stream/internal/conversation"
	"github.com/ashureev/assistant-stream/internal/domain"
)

// Envelope types.
const (
	TypeMessages  = "messages"
	TypeMigrated  = "migrated"
	TypeStreaming = "streaming"
	TypeToast     = "toast"
	TypeRedirect  = "redirect"
)

const (
	defaultQueueSize = 100
	writeTimeout     = 10 * time.Second
	hubFeedBuffer    = 256
)

// Envelope is one message sent to clients.
type Envelope struct {
	Type      string                  `json:"type"`
	Version   uint64                  `json:"version,omitempty"`
	Key       domain.Key              `json:"conversationId,omitempty"`
	From      domain.Key              `json:"from,omitempty"`
	Messages  []domain.Message        `json:"messages,omitempty"`
	Streaming *domain.StreamingState  `json:"streaming,omitempty"`
	Toast     *domain.Toast           `json:"toast,omitempty"`
	Redirect  *domain.PendingRedirect `json:"redirect,omitempty"`
}

// ChangeFeed is the subset of conversation.Store the hub forwards.
type ChangeFeed interface {
	Subscribe(buffer int) (<-chan conversation.Change, func())
}

// Options configures a Hub.
type Options struct {
	// AllowedOrigin is matched against the Origin header. "*" or empty
	// allows any.
	AllowedOrigin string
	// QueueSize bounds each client's pending envelopes.
	QueueSize int
	// Initial returns envelopes sent to every client right after it
	// connects.
	Initial func() []Envelope
	Logger  *slog.Logger
}

// Hub fans envelopes out to every connected client. A slow client never
// blocks the others: its queue drops the oldest envelope when full.
type Hub struct {
	opts   Options
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[string]*client
}

// NewHub creates a Hub.
func NewHub(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	return &Hub{
		opts:    opts,
		logger:  opts.Logger,
		clients: make(map[string]*client),
	}
}

// ServeHTTP upgrades the request and streams envelopes until the client
// goes away. A client reconnecting with the same ?client= id replaces its
// previous connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Error("Failed to accept WebSocket", "error", err)
		return
	}

	id := r.URL.Query().Get("client")
	if id == "" {
		id = uuid.NewString()
	}

	// Clients only listen; CloseRead handles control frames and cancels
	// ctx once the peer closes.
	ctx := ws.CloseRead(r.Context())
	c := newClient(ctx, id, ws, h.opts.QueueSize, h.logger)
	h.register(c)
	defer h.unregister(c)

	if h.opts.Initial != nil {
		for _, env := range h.opts.Initial() {
			if data, ok := h.encode(env); ok {
				c.enqueue(data)
			}
		}
	}

	c.writeLoop()
	c.close(websocket.StatusNormalClosure, "connection closed")
}

// Broadcast queues env for every client.
func (h *Hub) Broadcast(env Envelope) {
	data, ok := h.encode(env)
	if !ok {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		c.enqueue(data)
	}
}

// Toast broadcasts a toast.
func (h *Hub) Toast(t domain.Toast) {
	h.Broadcast(Envelope{Type: TypeToast, Key: t.Key, Toast: &t})
}

// Redirect broadcasts a pending redirect.
func (h *Hub) Redirect(r domain.PendingRedirect) {
	h.Broadcast(Envelope{Type: TypeRedirect, Key: r.To, From: r.From, Redirect: &r})
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Run forwards store changes to clients until ctx is done or the feed
// closes.
func (h *Hub) Run(ctx context.Context, feed ChangeFeed) {
	changes, unsubscribe := feed.Subscribe(hubFeedBuffer)
	defer unsubscribe()
	h.logger.Info("[HUB] Forwarding conversation changes")

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("[HUB] Stopped", "reason", ctx.Err())
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			h.Broadcast(EnvelopeFor(c))
		}
	}
}

// EnvelopeFor converts a store change into its client envelope.
func EnvelopeFor(c conversation.Change) Envelope {
	switch c.Kind {
	case conversation.ChangeStreaming:
		s := c.Streaming
		return Envelope{Type: TypeStreaming, Version: c.Version, Key: c.Key, Streaming: &s}
	case conversation.ChangeMigrated:
		return Envelope{Type: TypeMigrated, Version: c.Version, Key: c.Key, From: c.From, Messages: nonNil(c.Messages)}
	default:
		return Envelope{Type: TypeMessages, Version: c.Version, Key: c.Key, Messages: nonNil(c.Messages)}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*client)
	h.mu.Unlock()

	for _, c := range clients {
		c.close(websocket.StatusGoingAway, "server shutting down")
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if existing, ok := h.clients[c.id]; ok && existing != c {
		go existing.close(websocket.StatusNormalClosure, "connection replaced")
	}
	h.clients[c.id] = c
	h.logger.Info("[HUB] Client registered", "client_id", c.id, "clients", len(h.clients))
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.clients[c.id]; ok && current == c {
		delete(h.clients, c.id)
		h.logger.Info("[HUB] Client unregistered", "client_id", c.id, "clients", len(h.clients))
	}
}

func (h *Hub) encode(env Envelope) ([]byte, bool) {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Warn("[HUB] Failed to encode envelope", "type", env.Type, "error", err)
		return nil, false
	}
	return data, true
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || h.opts.AllowedOrigin == "" || h.opts.AllowedOrigin == "*" {
		return true
	}
	if origin == h.opts.AllowedOrigin {
		return true
	}
	h.logger.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.opts.AllowedOrigin)
	return false
}

func nonNil(list []domain.Message) []domain.Message {
	if list == nil {
		return []domain.Message{}
	}
	return list
}
