// Package store provides local persistence for the assistant: which
// conversations have been fetched, snapshots of their messages, and
// incomplete responses waiting to be delivered to the backend.
package store

import (
	"context"
	"time"

	"github.com/ashureev/assistant-stream/internal/domain"
)

// PendingSave is an incomplete conversation queued for redelivery.
type PendingSave struct {
	ID           int64
	Conversation domain.IncompleteConversation
	Attempts     int
	LastError    string
	CreatedAt    time.Time
}

// Repository defines local persistence operations.
type Repository interface {
	// MarkFetched records that the server history of id has been loaded.
	MarkFetched(ctx context.Context, id string) error

	// IsFetched reports whether id has been marked fetched.
	IsFetched(ctx context.Context, id string) (bool, error)

	// CleanupFetched removes fetched marks and snapshots older than ttl.
	CleanupFetched(ctx context.Context, ttl time.Duration) (int64, error)

	// SaveSnapshot replaces the stored message list for key.
	SaveSnapshot(ctx context.Context, key domain.Key, messages []domain.Message) error

	// LoadSnapshot returns the stored message list for key, if any.
	LoadSnapshot(ctx context.Context, key domain.Key) ([]domain.Message, bool, error)

	// EnqueueIncomplete queues an incomplete conversation for redelivery.
	EnqueueIncomplete(ctx context.Context, ic domain.IncompleteConversation, lastErr string) (int64, error)

	// PendingIncomplete returns up to limit queued saves, oldest first.
	PendingIncomplete(ctx context.Context, limit int) ([]PendingSave, error)

	// RecordIncompleteFailure bumps the attempt count of a queued save.
	RecordIncompleteFailure(ctx context.Context, id int64, lastErr string) error

	// DeleteIncomplete removes a delivered save.
	DeleteIncomplete(ctx context.Context, id int64) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
