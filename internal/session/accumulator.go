package session

import (
	"strings"

	"github.com/ashureev/assistant-stream/internal/domain"
	"github.com/ashureev/assistant-stream/internal/stream"
)

// Accumulator folds deltas into one evolving bot message. Text only grows,
// payload fields only get added or overwritten, and every returned snapshot
// is an independent copy.
type Accumulator struct {
	text   strings.Builder
	msg    domain.Message
	deltas int
}

// NewAccumulator starts from base, normally the loading placeholder already
// shown in the conversation.
func NewAccumulator(base domain.Message) *Accumulator {
	a := &Accumulator{msg: base.Clone()}
	a.msg.Role = domain.RoleBot
	a.msg.Loading = true
	a.text.WriteString(base.Text)
	return a
}

// Apply merges one delta and returns the resulting snapshot.
func (a *Accumulator) Apply(d stream.Delta) domain.Message {
	a.deltas++
	if d.Kind == stream.KindDone {
		return a.Snapshot()
	}
	if d.Content != "" {
		a.text.WriteString(d.Content)
	}
	if patch := d.Patch(); !patch.IsEmpty() {
		a.msg.Payload = a.msg.Payload.Merge(patch)
	}
	switch {
	case d.BotMessageID != "":
		a.msg.ID = d.BotMessageID
	case d.MessageID != "":
		a.msg.ID = d.MessageID
	}
	return a.Snapshot()
}

// Text returns everything appended so far.
func (a *Accumulator) Text() string { return a.text.String() }

// Deltas returns how many deltas have been applied.
func (a *Accumulator) Deltas() int { return a.deltas }

// Snapshot returns the current message.
func (a *Accumulator) Snapshot() domain.Message {
	out := a.msg.Clone()
	out.Text = a.text.String()
	return out
}

// Finalize marks the message as no longer loading and returns it.
func (a *Accumulator) Finalize() domain.Message {
	a.msg.Loading = false
	return a.Snapshot()
}
