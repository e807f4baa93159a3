// Package domain defines the core types shared by the streaming engine.
package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lithammer/shortuuid/v4"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser Role = "user"
	RoleBot  Role = "bot"
)

// draftPrefix marks keys that have not been assigned a server id yet.
const draftPrefix = "draft-"

// Key identifies a conversation. It is either a server-assigned id or a
// locally generated draft placeholder.
type Key string

// NewDraftKey returns a fresh draft key.
func NewDraftKey() Key {
	return Key(draftPrefix + shortuuid.New())
}

// IsDraft reports whether the key is a local placeholder.
func (k Key) IsDraft() bool {
	return k == "" || strings.HasPrefix(string(k), draftPrefix)
}

// ServerID returns the key as a server conversation id, or nil for drafts.
func (k Key) ServerID() *string {
	if k.IsDraft() {
		return nil
	}
	id := string(k)
	return &id
}

func (k Key) String() string { return string(k) }

// Message is one entry in a conversation.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Loading   bool      `json:"loading"`
	Timestamp time.Time `json:"timestamp"`
	Payload   Payload   `json:"payload"`
}

// NewMessageID returns a random message id.
func NewMessageID() string {
	return uuid.NewString()
}

// NewUserMessage builds a finalized user message.
func NewUserMessage(text string) Message {
	return Message{
		ID:        NewMessageID(),
		Role:      RoleUser,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
}

// NewBotPlaceholder builds an empty bot message in the loading state.
func NewBotPlaceholder() Message {
	return Message{
		ID:        NewMessageID(),
		Role:      RoleBot,
		Loading:   true,
		Timestamp: time.Now().UTC(),
	}
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	m.Payload = m.Payload.Clone()
	return m
}

// CloneMessages deep-copies a message list. A nil input yields an empty,
// non-nil slice.
func CloneMessages(list []Message) []Message {
	out := make([]Message, len(list))
	for i, m := range list {
		out[i] = m.Clone()
	}
	return out
}
