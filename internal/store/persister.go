package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/assistant-stream/internal/conversation"
	"github.com/ashureev/assistant-stream/internal/domain"
)

const (
	persistFeedBuffer   = 256
	persistFlushTimeout = 5 * time.Second
	sweepInterval       = time.Hour
)

// ChangeFeed is the subset of conversation.Store the persister reads.
type ChangeFeed interface {
	Subscribe(buffer int) (<-chan conversation.Change, func())
}

// SnapshotWriter is the subset of Repository the persister writes to.
type SnapshotWriter interface {
	SaveSnapshot(ctx context.Context, key domain.Key, messages []domain.Message) error
	CleanupFetched(ctx context.Context, ttl time.Duration) (int64, error)
}

// Persister mirrors settled server conversations into SQLite so they can be
// restored without refetching.
type Persister struct {
	repo     SnapshotWriter
	debounce time.Duration
	ttl      time.Duration
	logger   *slog.Logger
}

// NewPersister creates a Persister. A zero ttl disables the sweep.
func NewPersister(repo SnapshotWriter, debounce, ttl time.Duration, logger *slog.Logger) *Persister {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Persister{repo: repo, debounce: debounce, ttl: ttl, logger: logger}
}

// Run consumes feed until ctx is done or the feed closes, then flushes
// whatever is still pending.
func (p *Persister) Run(ctx context.Context, feed ChangeFeed) error {
	changes, unsubscribe := feed.Subscribe(persistFeedBuffer)
	defer unsubscribe()

	p.logger.Info("[PERSIST] Snapshot persister started", "debounce", p.debounce, "fetched_ttl", p.ttl)

	pending := make(map[domain.Key][]domain.Message)
	flush := time.NewTimer(p.debounce)
	flush.Stop()
	armed := false

	var sweep <-chan time.Time
	if p.ttl > 0 {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		sweep = ticker.C
		p.sweep(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			p.flush(context.WithoutCancel(ctx), pending)
			p.logger.Info("[PERSIST] Snapshot persister stopped")
			return nil
		case c, ok := <-changes:
			if !ok {
				p.flush(context.WithoutCancel(ctx), pending)
				return nil
			}
			switch c.Kind {
			case conversation.ChangeMigrated:
				delete(pending, c.From)
			case conversation.ChangeStreaming:
				continue
			}
			if !settled(c.Key, c.Messages) {
				continue
			}
			pending[c.Key] = c.Messages
			if !armed {
				flush.Reset(p.debounce)
				armed = true
			}
		case <-flush.C:
			armed = false
			p.flush(ctx, pending)
		case <-sweep:
			p.sweep(ctx)
		}
	}
}

// settled reports whether a list is worth persisting: server-backed and
// not mid-stream.
func settled(key domain.Key, list []domain.Message) bool {
	if key.IsDraft() {
		return false
	}
	if n := len(list); n > 0 && list[n-1].Loading {
		return false
	}
	return true
}

func (p *Persister) flush(ctx context.Context, pending map[domain.Key][]domain.Message) {
	if len(pending) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, persistFlushTimeout)
	defer cancel()

	for key, list := range pending {
		if err := p.repo.SaveSnapshot(ctx, key, list); err != nil {
			p.logger.Warn("[PERSIST] Failed to save snapshot", "conversation", key, "error", err)
			continue
		}
		p.logger.Debug("[PERSIST] Snapshot saved", "conversation", key, "messages", len(list))
		delete(pending, key)
	}
}

func (p *Persister) sweep(ctx context.Context) {
	removed, err := p.repo.CleanupFetched(ctx, p.ttl)
	if err != nil {
		p.logger.Warn("[PERSIST] Fetched sweep failed", "error", err)
		return
	}
	if removed > 0 {
		p.logger.Info("[PERSIST] Removed stale fetched conversations", "count", removed)
	}
}
