package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/assistant-stream/internal/domain"
)

// FetchedCache remembers which server conversations already have their
// history loaded locally.
type FetchedCache interface {
	MarkFetched(ctx context.Context, id string) error
	IsFetched(ctx context.Context, id string) (bool, error)
}

// MemoryFetched is an in-process FetchedCache.
type MemoryFetched struct {
	mu  sync.RWMutex
	ids map[string]time.Time
}

// NewMemoryFetched creates an empty cache.
func NewMemoryFetched() *MemoryFetched {
	return &MemoryFetched{ids: make(map[string]time.Time)}
}

func (m *MemoryFetched) MarkFetched(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids[id] = time.Now()
	return nil
}

func (m *MemoryFetched) IsFetched(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.ids[id]
	return ok, nil
}

// Redirects is a one-slot mailbox for PendingRedirect values. A newer
// redirect replaces an unconsumed older one.
type Redirects struct {
	mu      sync.Mutex
	pending *domain.PendingRedirect
}

// Publish stores r for the routing layer.
func (r *Redirects) Publish(redirect domain.PendingRedirect) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = &redirect
}

// Consume returns the pending redirect and clears it.
func (r *Redirects) Consume() (domain.PendingRedirect, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		return domain.PendingRedirect{}, false
	}
	out := *r.pending
	r.pending = nil
	return out, true
}

// Migrator rekeys a draft conversation once the backend assigns it an id.
type Migrator struct {
	fetched   FetchedCache
	redirects *Redirects
	logger    *slog.Logger
}

// NewMigrator creates a Migrator.
func NewMigrator(fetched FetchedCache, redirects *Redirects, logger *slog.Logger) *Migrator {
	if logger == nil {
		logger = slog.Default()
	}
	if fetched == nil {
		fetched = NewMemoryFetched()
	}
	if redirects == nil {
		redirects = &Redirects{}
	}
	return &Migrator{fetched: fetched, redirects: redirects, logger: logger}
}

// Redirects returns the mailbox redirects are published to.
func (m *Migrator) Redirects() *Redirects { return m.redirects }

// Migrate moves the writer's draft list to the server id, marks the id as
// fetched, and publishes a redirect. It does nothing and returns false if
// the writer is not on a draft key, the target is itself a draft, or the
// lease is gone.
func (m *Migrator) Migrate(ctx context.Context, w *Writer, to domain.Key, title string) (domain.PendingRedirect, bool) {
	from := w.Key()
	if from == "" || !from.IsDraft() || to.IsDraft() {
		return domain.PendingRedirect{}, false
	}
	if !w.Migrate(to) {
		return domain.PendingRedirect{}, false
	}

	if err := m.fetched.MarkFetched(ctx, string(to)); err != nil {
		m.logger.Warn("Failed to mark conversation fetched", "conversation", to, "error", err)
	}

	redirect := domain.PendingRedirect{From: from, To: to, Title: title}
	m.redirects.Publish(redirect)
	m.logger.Info("Conversation migrated", "from", from, "to", to)
	return redirect, true
}
