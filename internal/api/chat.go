package api

import (
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/assistant-stream/internal/domain"
	"github.com/ashureev/assistant-stream/internal/session"
)

type sendResponse struct {
	Key       domain.Key `json:"conversationId"`
	SessionID string     `json:"sessionId"`
	State     string     `json:"state"`
}

// Send handles POST /api/chat/send. The response streams into the
// conversation; clients follow it over /ws/updates.
func (h *Handler) Send(w http.ResponseWriter, r *http.Request) {
	var req session.SendRequest
	if status, err := h.decode(w, r, &req); err != nil {
		Error(w, status, err.Error())
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		Error(w, http.StatusBadRequest, "message is required")
		return
	}

	if h.limiter != nil && !h.limiter.Allow(rateKey(r, req.Key)) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	s, err := h.chat.SendMessage(r.Context(), req)
	switch {
	case errors.Is(err, session.ErrEmptyMessage):
		Error(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, session.ErrControllerClosed):
		Error(w, http.StatusServiceUnavailable, "shutting down")
		return
	case err != nil:
		h.logger.Error("Failed to start chat session", "conversation", req.Key, "error", err)
		Error(w, http.StatusInternalServerError, "failed to start chat")
		return
	}

	JSON(w, http.StatusAccepted, sendResponse{
		Key:       s.Key(),
		SessionID: s.ID(),
		State:     s.State().String(),
	})
}

// Cancel handles POST /api/chat/{key}/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	key := domain.Key(chi.URLParam(r, "key"))
	if !h.chat.Cancel(key) {
		Error(w, http.StatusNotFound, "no active response for conversation")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"conversationId": key, "cancelled": true})
}

// StreamingState handles GET /api/streaming-state.
func (h *Handler) StreamingState(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.store.StreamingState())
}

// ConsumeRedirect handles POST /api/redirects/consume. It answers 204 when
// nothing is pending.
func (h *Handler) ConsumeRedirect(w http.ResponseWriter, _ *http.Request) {
	redirect, ok := h.chat.Redirects().Consume()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	JSON(w, http.StatusOK, redirect)
}

// rateKey throttles per conversation. New conversations have no key yet, so
// they are throttled per client address.
func rateKey(r *http.Request, key domain.Key) string {
	if key != "" {
		return "conversation:" + string(key)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "new:" + host
}
