package stream

import (
	"strings"

	"github.com/ashureev/assistant-stream/internal/domain"
)

// MaxHistoryTurns bounds how many prior turns are sent with a request.
const MaxHistoryTurns = 30

// Turn is one prior exchange entry sent as context.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body POSTed to the streaming chat endpoint.
type ChatRequest struct {
	ConversationID *string          `json:"conversation_id"`
	Message        string           `json:"message"`
	FileIDs        []string         `json:"fileIds"`
	FileData       []map[string]any `json:"fileData"`
	SelectedTool   *string          `json:"selectedTool"`
	ToolCategory   *string          `json:"toolCategory"`
	Messages       []Turn           `json:"messages"`
}

// normalized returns a copy with nil slices replaced by empty ones so the
// body always carries arrays.
func (r ChatRequest) normalized() ChatRequest {
	if r.FileIDs == nil {
		r.FileIDs = []string{}
	}
	if r.FileData == nil {
		r.FileData = []map[string]any{}
	}
	if r.Messages == nil {
		r.Messages = []Turn{}
	}
	return r
}

// BuildHistory converts stored messages to request turns. Only the most
// recent MaxHistoryTurns are considered, and turns without text are then
// dropped. Messages still loading are skipped.
func BuildHistory(messages []domain.Message) []Turn {
	if len(messages) > MaxHistoryTurns {
		messages = messages[len(messages)-MaxHistoryTurns:]
	}

	turns := make([]Turn, 0, len(messages))
	for _, m := range messages {
		if m.Loading || strings.TrimSpace(m.Text) == "" {
			continue
		}
		role := "user"
		if m.Role == domain.RoleBot {
			role = "assistant"
		}
		turns = append(turns, Turn{Role: role, Content: m.Text})
	}
	return turns
}
