package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/assistant-stream/internal/backend"
	"github.com/ashureev/assistant-stream/internal/domain"
)

type messagesBody struct {
	Key      domain.Key       `json:"conversationId"`
	Messages []domain.Message `json:"messages"`
}

// ListConversations handles GET /api/conversations. The cached list is
// served; it is loaded first if it never was.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	list, refreshedAt := h.conversations.Conversations()
	if refreshedAt.IsZero() {
		if err := h.conversations.RefreshConversations(r.Context()); err != nil {
			h.logger.Warn("Conversation list unavailable", "error", err)
			Error(w, http.StatusBadGateway, "conversation list unavailable")
			return
		}
		list, refreshedAt = h.conversations.Conversations()
	}
	if list == nil {
		list = []domain.ConversationSummary{}
	}
	JSON(w, http.StatusOK, map[string]any{
		"conversations": list,
		"refreshedAt":   refreshedAt,
	})
}

// GetMessages handles GET /api/conversations/{key}/messages.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	key := domain.Key(chi.URLParam(r, "key"))
	msgs, err := h.loader.Open(r.Context(), key)
	if err != nil {
		var se *backend.StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			Error(w, http.StatusNotFound, "conversation not found")
			return
		}
		h.logger.Warn("Failed to load conversation", "conversation", key, "error", err)
		Error(w, http.StatusBadGateway, "failed to load conversation")
		return
	}
	JSON(w, http.StatusOK, messagesBody{Key: key, Messages: msgs})
}

// PutMessages handles PUT /api/conversations/{key}/messages, replacing the
// local list. A conversation with a response in flight cannot be reset.
func (h *Handler) PutMessages(w http.ResponseWriter, r *http.Request) {
	key := domain.Key(chi.URLParam(r, "key"))
	var body messagesBody
	if status, err := h.decode(w, r, &body); err != nil {
		Error(w, status, err.Error())
		return
	}
	if h.store.Owned(key) {
		Error(w, http.StatusConflict, "conversation has a response in progress")
		return
	}
	if body.Messages == nil {
		body.Messages = []domain.Message{}
	}
	h.store.SetMessages(key, body.Messages)
	JSON(w, http.StatusOK, messagesBody{Key: key, Messages: body.Messages})
}
