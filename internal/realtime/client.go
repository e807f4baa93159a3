package realtime

import (
	"context"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// client is one connection with its own bounded outbound queue, drained by
// writeLoop.
type client struct {
	id     string
	conn   *websocket.Conn
	queue  chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	closeOnce sync.Once

	mu      sync.Mutex
	dropped int
}

func newClient(parent context.Context, id string, conn *websocket.Conn, size int, logger *slog.Logger) *client {
	ctx, cancel := context.WithCancel(parent)
	return &client{
		id:     id,
		conn:   conn,
		queue:  make(chan []byte, size),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With("client_id", id),
	}
}

// enqueue never blocks. When the queue is full the oldest envelope is
// discarded to make room.
func (c *client) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case c.queue <- data:
		return
	case <-c.ctx.Done():
		return
	default:
	}

	select {
	case <-c.queue:
		c.dropped++
		c.logger.Warn("[HUB] Queue full, dropped oldest envelope", "dropped_total", c.dropped)
	default:
	}

	select {
	case c.queue <- data:
	default:
		c.logger.Warn("[HUB] Failed to queue after backpressure")
	}
}

func (c *client) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case data := <-c.queue:
			wctx, cancel := context.WithTimeout(c.ctx, writeTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				if c.ctx.Err() == nil {
					c.logger.Debug("[HUB] Write failed", "error", err)
				}
				return
			}
		}
	}
}

func (c *client) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.cancel()
		if err := c.conn.Close(code, reason); err != nil {
			c.logger.Debug("Failed to close websocket", "error", err)
		}
	})
}
