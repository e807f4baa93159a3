package backend

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/assistant-stream/internal/domain"
	"github.com/ashureev/assistant-stream/internal/store"
)

const (
	outboxBatch        = 50
	outboxQueueTimeout = 5 * time.Second
)

// Saver delivers an incomplete conversation to the backend.
type Saver interface {
	SaveIncompleteConversation(ctx context.Context, ic domain.IncompleteConversation) error
}

// Queue holds saves that could not be delivered.
type Queue interface {
	EnqueueIncomplete(ctx context.Context, ic domain.IncompleteConversation, lastErr string) (int64, error)
	PendingIncomplete(ctx context.Context, limit int) ([]store.PendingSave, error)
	RecordIncompleteFailure(ctx context.Context, id int64, lastErr string) error
	DeleteIncomplete(ctx context.Context, id int64) error
}

// Outbox delivers incomplete conversations, queueing them locally when the
// backend is unreachable and retrying later.
type Outbox struct {
	saver  Saver
	queue  Queue
	logger *slog.Logger
}

// NewOutbox creates an Outbox.
func NewOutbox(saver Saver, queue Queue, logger *slog.Logger) *Outbox {
	if logger == nil {
		logger = slog.Default()
	}
	return &Outbox{saver: saver, queue: queue, logger: logger}
}

// SaveIncompleteConversation tries the backend first. On failure the save
// is queued, and only a failure to queue is returned.
func (o *Outbox) SaveIncompleteConversation(ctx context.Context, ic domain.IncompleteConversation) error {
	err := o.saver.SaveIncompleteConversation(ctx, ic)
	if err == nil {
		return nil
	}

	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outboxQueueTimeout)
	defer cancel()
	id, qerr := o.queue.EnqueueIncomplete(qctx, ic, err.Error())
	if qerr != nil {
		return fmt.Errorf("save incomplete conversation: %w; queue: %w", err, qerr)
	}
	o.logger.Warn("[OUTBOX] Backend save failed, queued for retry", "id", id, "error", err)
	return nil
}

// Flush retries queued saves, oldest first. It stops at the first failure
// and reports how many were delivered.
func (o *Outbox) Flush(ctx context.Context) (int, error) {
	pending, err := o.queue.PendingIncomplete(ctx, outboxBatch)
	if err != nil {
		return 0, fmt.Errorf("load pending saves: %w", err)
	}

	delivered := 0
	for _, p := range pending {
		if err := o.saver.SaveIncompleteConversation(ctx, p.Conversation); err != nil {
			if rerr := o.queue.RecordIncompleteFailure(ctx, p.ID, err.Error()); rerr != nil {
				o.logger.Warn("[OUTBOX] Failed to record retry", "id", p.ID, "error", rerr)
			}
			return delivered, fmt.Errorf("redeliver save %d: %w", p.ID, err)
		}
		if err := o.queue.DeleteIncomplete(ctx, p.ID); err != nil {
			return delivered, fmt.Errorf("delete delivered save %d: %w", p.ID, err)
		}
		delivered++
	}
	return delivered, nil
}

// Run flushes the queue every interval until ctx is done.
func (o *Outbox) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	o.logger.Info("[OUTBOX] Retry worker started", "interval", interval)

	for {
		select {
		case <-ticker.C:
			n, err := o.Flush(ctx)
			if err != nil {
				o.logger.Warn("[OUTBOX] Retry pass stopped early", "delivered", n, "error", err)
				continue
			}
			if n > 0 {
				o.logger.Info("[OUTBOX] Delivered queued saves", "count", n)
			}
		case <-ctx.Done():
			o.logger.Info("[OUTBOX] Retry worker shutting down", "reason", ctx.Err())
			return
		}
	}
}
