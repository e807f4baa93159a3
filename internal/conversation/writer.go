package conversation

import (
	"github.com/ashureev/assistant-stream/internal/domain"
)

// Writer is a single-writer lease over one conversation's message list.
// Every method is a no-op returning false once the lease has been released
// or superseded by a later Acquire for the same key.
type Writer struct {
	store *Store
	token uint64
}

// holds reports the key the lease currently covers, if it is still valid.
func (st *state) holds(token uint64) (domain.Key, bool) {
	key, ok := st.leases[token]
	if !ok || st.owners[key] != token {
		return "", false
	}
	return key, true
}

func (w *Writer) apply(fn func(st *state, key domain.Key)) bool {
	var ok bool
	w.store.do(func(st *state) {
		key, valid := st.holds(w.token)
		if !valid {
			return
		}
		fn(st, key)
		ok = true
	})
	return ok
}

// Valid reports whether the lease is still held.
func (w *Writer) Valid() bool {
	return w.apply(func(*state, domain.Key) {})
}

// Key returns the key the lease currently covers. It changes after Migrate.
// An empty key means the lease is gone.
func (w *Writer) Key() domain.Key {
	var out domain.Key
	w.apply(func(_ *state, key domain.Key) { out = key })
	return out
}

// Messages returns a copy of the leased list.
func (w *Writer) Messages() []domain.Message {
	out := []domain.Message{}
	w.apply(func(st *state, key domain.Key) {
		out = domain.CloneMessages(st.lists[key])
	})
	return out
}

// Append adds messages to the end of the list.
func (w *Writer) Append(msgs ...domain.Message) bool {
	return w.apply(func(st *state, key domain.Key) {
		st.lists[key] = append(st.lists[key], domain.CloneMessages(msgs)...)
		st.publishMessages(key)
	})
}

// CommitTail replaces the trailing bot message with msg, or appends msg when
// the list does not end with a bot message.
func (w *Writer) CommitTail(msg domain.Message) bool {
	return w.apply(func(st *state, key domain.Key) {
		st.mutateBotTail(key, func(m *domain.Message) { *m = msg.Clone() })
		st.publishMessages(key)
	})
}

// SetUserMessageID renames the most recent user message.
func (w *Writer) SetUserMessageID(id string) bool {
	return w.apply(func(st *state, key domain.Key) {
		list := st.lists[key]
		for i := len(list) - 1; i >= 0; i-- {
			if list[i].Role == domain.RoleUser {
				list[i].ID = id
				st.publishMessages(key)
				return
			}
		}
	})
}

// Migrate moves the leased list to newKey in one step. The old key is left
// empty, the lease follows the list, and a streaming indicator pointing at
// the old key is repointed.
func (w *Writer) Migrate(newKey domain.Key) bool {
	return w.apply(func(st *state, key domain.Key) {
		st.migrate(key, newKey)
	})
}

// BeginStreaming marks this lease as the owner of the global streaming
// indicator.
func (w *Writer) BeginStreaming(typing bool) bool {
	return w.apply(func(st *state, key domain.Key) {
		st.setStreaming(domain.StreamingState{
			IsStreaming:    true,
			IsTyping:       typing,
			ConversationID: key,
		}, w.token)
	})
}

// SetTyping updates the typing flag if this lease owns the indicator.
func (w *Writer) SetTyping(typing bool) bool {
	return w.apply(func(st *state, _ domain.Key) {
		if st.streamingOwner != w.token {
			return
		}
		next := st.streaming
		next.IsTyping = typing
		st.setStreaming(next, w.token)
	})
}

// EndStreaming resets the indicator to idle if this lease owns it.
func (w *Writer) EndStreaming() bool {
	var ended bool
	w.apply(func(st *state, _ domain.Key) {
		if st.streamingOwner != w.token {
			return
		}
		st.setStreaming(domain.StreamingState{}, 0)
		ended = true
	})
	return ended
}

// Release gives the lease up. The streaming indicator is reset if this lease
// still owns it.
func (w *Writer) Release() bool {
	return w.apply(func(st *state, key domain.Key) {
		if st.streamingOwner == w.token {
			st.setStreaming(domain.StreamingState{}, 0)
		}
		delete(st.owners, key)
		delete(st.leases, w.token)
	})
}
