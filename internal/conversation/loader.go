package conversation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ashureev/assistant-stream/internal/domain"
)

// HistorySource fetches a conversation's messages from the backend.
type HistorySource interface {
	FetchMessages(ctx context.Context, id string) ([]domain.Message, error)
}

// SnapshotSource returns a locally persisted copy of a conversation.
type SnapshotSource interface {
	LoadSnapshot(ctx context.Context, key domain.Key) ([]domain.Message, bool, error)
}

// Loader hydrates the store when a conversation is opened.
type Loader struct {
	store     *Store
	fetched   FetchedCache
	history   HistorySource
	snapshots SnapshotSource
	logger    *slog.Logger
}

// NewLoader creates a Loader. snapshots may be nil.
func NewLoader(store *Store, fetched FetchedCache, history HistorySource, snapshots SnapshotSource, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	if fetched == nil {
		fetched = NewMemoryFetched()
	}
	return &Loader{
		store:     store,
		fetched:   fetched,
		history:   history,
		snapshots: snapshots,
		logger:    logger,
	}
}

// Open returns the messages for key, loading them first if needed. Draft
// keys and keys under an active writer are never reloaded. A key already
// marked fetched is served from memory, then from the local snapshot; only
// otherwise is the backend asked.
func (l *Loader) Open(ctx context.Context, key domain.Key) ([]domain.Message, error) {
	if key.IsDraft() || l.store.Owned(key) {
		return l.store.Messages(key), nil
	}

	fetched, err := l.fetched.IsFetched(ctx, string(key))
	if err != nil {
		l.logger.Warn("Fetched cache lookup failed", "conversation", key, "error", err)
	}
	if fetched {
		if current := l.store.Messages(key); len(current) > 0 {
			return current, nil
		}
		if l.snapshots != nil {
			list, ok, err := l.snapshots.LoadSnapshot(ctx, key)
			if err != nil {
				l.logger.Warn("Snapshot load failed", "conversation", key, "error", err)
			} else if ok {
				l.store.Hydrate(key, list)
				return l.store.Messages(key), nil
			}
		}
	}

	if l.history == nil {
		return l.store.Messages(key), nil
	}
	list, err := l.history.FetchMessages(ctx, string(key))
	if err != nil {
		return nil, fmt.Errorf("fetch history for %s: %w", key, err)
	}
	if l.store.Hydrate(key, list) {
		if err := l.fetched.MarkFetched(ctx, string(key)); err != nil {
			l.logger.Warn("Failed to mark conversation fetched", "conversation", key, "error", err)
		}
	}
	return l.store.Messages(key), nil
}
