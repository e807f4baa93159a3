// Package conversation holds the per-conversation message lists the UI
// renders from, plus the single-writer leases streaming sessions use to
// mutate them.
package conversation

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ashureev/assistant-stream/internal/domain"
)

// ChangeKind says what a Change describes.
type ChangeKind int

const (
	ChangeMessages ChangeKind = iota
	ChangeMigrated
	ChangeStreaming
)

// Change is published to subscribers after every mutation.
type Change struct {
	Version   uint64
	Kind      ChangeKind
	Key       domain.Key
	From      domain.Key // set for ChangeMigrated
	Messages  []domain.Message
	Streaming domain.StreamingState
}

type subscriber struct {
	ch chan Change
}

// state is owned by the actor goroutine. Nothing outside run touches it.
type state struct {
	lists          map[domain.Key][]domain.Message
	owners         map[domain.Key]uint64
	leases         map[uint64]domain.Key
	nextLease      uint64
	streaming      domain.StreamingState
	streamingOwner uint64
	version        uint64
	subs           map[int]*subscriber
	nextSub        int
	logger         *slog.Logger
}

// Store is the single source of truth for conversation message lists. All
// state lives in one goroutine; every operation is a command executed there,
// so each operation is atomic with respect to every other.
type Store struct {
	cmds      chan func(*state)
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

// NewStore starts the store goroutine.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		cmds:    make(chan func(*state)),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		logger:  logger,
	}
	st := &state{
		lists:  make(map[domain.Key][]domain.Message),
		owners: make(map[domain.Key]uint64),
		leases: make(map[uint64]domain.Key),
		subs:   make(map[int]*subscriber),
		logger: logger,
	}
	go s.run(st)
	return s
}

func (s *Store) run(st *state) {
	defer close(s.stopped)
	for {
		select {
		case cmd := <-s.cmds:
			cmd(st)
		case <-s.quit:
			for id, sub := range st.subs {
				close(sub.ch)
				delete(st.subs, id)
			}
			return
		}
	}
}

// do executes fn on the store goroutine and waits for it. It reports false
// if the store has been closed.
func (s *Store) do(fn func(*state)) bool {
	done := make(chan struct{})
	select {
	case s.cmds <- func(st *state) {
		defer close(done)
		fn(st)
	}:
	case <-s.quit:
		return false
	}
	<-done
	return true
}

// Close stops the store goroutine and closes all subscriptions.
func (s *Store) Close() {
	s.closeOnce.Do(func() { close(s.quit) })
	<-s.stopped
}

// SetMessages replaces the list for key.
func (s *Store) SetMessages(key domain.Key, list []domain.Message) {
	s.do(func(st *state) {
		st.lists[key] = domain.CloneMessages(list)
		st.publishMessages(key)
	})
}

// Hydrate replaces the list for key unless a writer currently holds it.
// It reports whether the list was written.
func (s *Store) Hydrate(key domain.Key, list []domain.Message) bool {
	var ok bool
	s.do(func(st *state) {
		if _, owned := st.owners[key]; owned {
			return
		}
		st.lists[key] = domain.CloneMessages(list)
		st.publishMessages(key)
		ok = true
	})
	return ok
}

// Messages returns a copy of the list for key. Unknown keys yield an empty list.
func (s *Store) Messages(key domain.Key) []domain.Message {
	out := []domain.Message{}
	s.do(func(st *state) {
		out = domain.CloneMessages(st.lists[key])
	})
	return out
}

// Keys returns every key that currently holds messages.
func (s *Store) Keys() []domain.Key {
	var keys []domain.Key
	s.do(func(st *state) {
		for k, l := range st.lists {
			if len(l) > 0 {
				keys = append(keys, k)
			}
		}
	})
	slices.Sort(keys)
	return keys
}

// Owned reports whether a writer lease is held for key.
func (s *Store) Owned(key domain.Key) bool {
	var owned bool
	s.do(func(st *state) {
		_, owned = st.owners[key]
	})
	return owned
}

// UpdateLastMessage sets the text of the trailing bot message, appending a
// new bot message if the list does not end with one.
func (s *Store) UpdateLastMessage(key domain.Key, text string) {
	s.do(func(st *state) {
		st.mutateBotTail(key, func(m *domain.Message) { m.Text = text })
		st.publishMessages(key)
	})
}

// UpdateLastMessageFollowUp sets only the follow-up actions of the trailing
// bot message, appending a new bot message if needed.
func (s *Store) UpdateLastMessageFollowUp(key domain.Key, actions []string) {
	if actions == nil {
		actions = []string{}
	}
	s.do(func(st *state) {
		st.mutateBotTail(key, func(m *domain.Message) {
			m.Payload = m.Payload.Merge(domain.PayloadPatch{FollowUpActions: actions})
		})
		st.publishMessages(key)
	})
}

// MigrateMessages moves the list under oldKey to newKey and empties oldKey.
// A writer lease and the streaming indicator follow the list.
func (s *Store) MigrateMessages(oldKey, newKey domain.Key) {
	s.do(func(st *state) {
		st.migrate(oldKey, newKey)
	})
}

// StreamingState returns the current global streaming indicator.
func (s *Store) StreamingState() domain.StreamingState {
	var out domain.StreamingState
	s.do(func(st *state) {
		out = st.streaming
	})
	return out
}

// Subscribe returns a feed of changes. When the subscriber falls behind, the
// oldest undelivered change is dropped. Call the returned func to stop.
func (s *Store) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Change, buffer)
	var id int
	if !s.do(func(st *state) {
		id = st.nextSub
		st.nextSub++
		st.subs[id] = &subscriber{ch: ch}
	}) {
		close(ch)
		return ch, func() {}
	}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.do(func(st *state) {
				if sub, ok := st.subs[id]; ok {
					close(sub.ch)
					delete(st.subs, id)
				}
			})
		})
	}
}

// Acquire grants the single-writer lease for key. A lease previously granted
// for the same key is superseded and all of its writes become no-ops.
func (s *Store) Acquire(key domain.Key) *Writer {
	w := &Writer{store: s}
	s.do(func(st *state) {
		if prev, ok := st.owners[key]; ok {
			delete(st.leases, prev)
			if st.streamingOwner == prev {
				st.setStreaming(domain.StreamingState{}, 0)
			}
			st.logger.Debug("Writer lease superseded", "conversation", key, "lease", prev)
		}
		st.nextLease++
		w.token = st.nextLease
		st.owners[key] = w.token
		st.leases[w.token] = key
	})
	return w
}

func (st *state) mutateBotTail(key domain.Key, fn func(*domain.Message)) {
	list := st.lists[key]
	if n := len(list); n > 0 && list[n-1].Role == domain.RoleBot {
		tail := list[n-1].Clone()
		fn(&tail)
		list[n-1] = tail
		return
	}
	m := domain.Message{
		ID:        domain.NewMessageID(),
		Role:      domain.RoleBot,
		Timestamp: time.Now().UTC(),
	}
	fn(&m)
	st.lists[key] = append(list, m)
}

func (st *state) migrate(oldKey, newKey domain.Key) {
	if oldKey == newKey {
		return
	}
	list := st.lists[oldKey]
	delete(st.lists, oldKey)
	st.lists[newKey] = list
	if st.lists[newKey] == nil {
		st.lists[newKey] = []domain.Message{}
	}

	if token, ok := st.owners[oldKey]; ok {
		delete(st.owners, oldKey)
		if prev, taken := st.owners[newKey]; taken {
			delete(st.leases, prev)
		}
		st.owners[newKey] = token
		st.leases[token] = newKey
	}

	st.version++
	if len(st.subs) > 0 {
		st.broadcast(Change{
			Version:  st.version,
			Kind:     ChangeMigrated,
			Key:      newKey,
			From:     oldKey,
			Messages: domain.CloneMessages(list),
		})
	}

	if st.streaming.IsStreaming && st.streaming.ConversationID == oldKey {
		next := st.streaming
		next.ConversationID = newKey
		st.setStreaming(next, st.streamingOwner)
	}
}

func (st *state) setStreaming(next domain.StreamingState, owner uint64) {
	st.streamingOwner = owner
	if st.streaming == next {
		return
	}
	st.streaming = next
	st.version++
	st.broadcast(Change{
		Version:   st.version,
		Kind:      ChangeStreaming,
		Key:       next.ConversationID,
		Streaming: next,
	})
}

func (st *state) publishMessages(key domain.Key) {
	st.version++
	if len(st.subs) == 0 {
		return
	}
	st.broadcast(Change{
		Version:   st.version,
		Kind:      ChangeMessages,
		Key:       key,
		Messages:  domain.CloneMessages(st.lists[key]),
		Streaming: st.streaming,
	})
}

func (st *state) broadcast(c Change) {
	for _, sub := range st.subs {
		select {
		case sub.ch <- c:
			continue
		default:
		}
		// Full: drop the oldest pending change to make room.
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- c:
		default:
			st.logger.Warn("Change feed subscriber dropped update", "version", c.Version)
		}
	}
}
