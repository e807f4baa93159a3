package domain

import "time"

// StreamingState is the process-wide indicator the UI uses to disable input
// and show a typing indicator. Only the active session may change it.
type StreamingState struct {
	IsStreaming    bool `json:"isStreaming"`
	IsTyping       bool `json:"isTyping"`
	ConversationID Key  `json:"conversationId,omitempty"`
}

// PendingRedirect tells the routing layer that a draft conversation now has
// a server id. It is consumed exactly once.
type PendingRedirect struct {
	From  Key    `json:"from"`
	To    Key    `json:"to"`
	Title string `json:"title,omitempty"`
}

// ToastLevel classifies a toast notification.
type ToastLevel string

const (
	ToastError ToastLevel = "error"
	ToastInfo  ToastLevel = "info"
)

// Toast is a transient user-visible notification.
type Toast struct {
	Level   ToastLevel `json:"level"`
	Message string     `json:"message"`
	Key     Key        `json:"conversationId,omitempty"`
}

// IncompleteConversation is what gets persisted when a response is cut short
// by a cancel or an error.
type IncompleteConversation struct {
	Prompt          string           `json:"prompt"`
	ConversationID  *string          `json:"conversationId"`
	PartialResponse string           `json:"partialResponse"`
	FileData        []map[string]any `json:"fileData"`
	SelectedTool    *string          `json:"selectedTool"`
	ToolCategory    *string          `json:"toolCategory"`
}

// ConversationSummary is one row of the conversation list.
type ConversationSummary struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt,omitzero"`
}
