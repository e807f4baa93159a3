package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/assistant-stream/internal/conversation"
	"github.com/ashureev/assistant-stream/internal/domain"
	"github.com/ashureev/assistant-stream/internal/stream"
	"github.com/ashureev/assistant-stream/internal/transcript"
	"github.com/google/uuid"
)

const (
	defaultSaveTimeout    = 10 * time.Second
	defaultRefreshTimeout = 15 * time.Second
)

var (
	ErrEmptyMessage     = errors.New("message is required")
	ErrControllerClosed = errors.New("controller closed")
)

// SendRequest is what the UI submits.
type SendRequest struct {
	Key          domain.Key       `json:"conversationId,omitempty"`
	Message      string           `json:"message"`
	FileIDs      []string         `json:"fileIds,omitempty"`
	FileData     []map[string]any `json:"fileData,omitempty"`
	SelectedTool *string          `json:"selectedTool,omitempty"`
	ToolCategory *string          `json:"toolCategory,omitempty"`
}

// Options wires a Controller's collaborators. Only Transport is required.
type Options struct {
	Transport   Transport
	Saver       IncompleteSaver
	Notifier    Notifier
	Refresher   ListRefresher
	Migrator    *conversation.Migrator
	Transcript  transcript.Logger
	Logger      *slog.Logger
	SaveTimeout time.Duration
}

// Controller owns the active sessions. At most one session writes to a
// conversation at a time: starting a new one cancels the previous first.
type Controller struct {
	store       *conversation.Store
	transport   Transport
	saver       IncompleteSaver
	notifier    Notifier
	refresher   ListRefresher
	migrator    *conversation.Migrator
	transcript  transcript.Logger
	logger      *slog.Logger
	saveTimeout time.Duration

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	// sendMu serialises cancel-then-start.
	sendMu sync.Mutex

	mu       sync.Mutex
	sessions map[domain.Key]*Session
	closed   bool
}

// NewController creates a Controller over store.
func NewController(store *conversation.Store, opts Options) *Controller {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Saver == nil {
		opts.Saver = logSaver{logger: opts.Logger}
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	if opts.Migrator == nil {
		opts.Migrator = conversation.NewMigrator(nil, nil, opts.Logger)
	}
	if opts.Transcript == nil {
		opts.Transcript = transcript.Nop()
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = defaultSaveTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		store:       store,
		transport:   opts.Transport,
		saver:       opts.Saver,
		notifier:    opts.Notifier,
		refresher:   opts.Refresher,
		migrator:    opts.Migrator,
		transcript:  opts.Transcript,
		logger:      opts.Logger,
		saveTimeout: opts.SaveTimeout,
		baseCtx:     ctx,
		baseCancel:  cancel,
		sessions:    make(map[domain.Key]*Session),
	}
}

// Redirects returns the mailbox migrations publish to.
func (c *Controller) Redirects() *conversation.Redirects {
	return c.migrator.Redirects()
}

// SendMessage starts a new exchange. An empty key starts a new draft
// conversation. Any session still running for the key is cancelled, and
// its partial response saved, before the new one starts.
func (c *Controller) SendMessage(ctx context.Context, req SendRequest) (*Session, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, ErrEmptyMessage
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, ErrControllerClosed
	}

	key := req.Key
	if key == "" {
		key = domain.NewDraftKey()
	}
	req.Key = key

	if prev, ok := c.Session(key); ok {
		c.logger.Info("Cancelling previous session", "conversation", key, "session_id", prev.ID())
		prev.Cancel()
	}

	history := stream.BuildHistory(c.store.Messages(key))
	writer := c.store.Acquire(key)
	placeholder := domain.NewBotPlaceholder()
	writer.Append(domain.NewUserMessage(req.Message), placeholder)
	writer.BeginStreaming(true)

	id := uuid.NewString()
	sessCtx, cancel := context.WithCancelCause(c.baseCtx)
	s := &Session{
		id:  id,
		req: req,
		chatReq: stream.ChatRequest{
			ConversationID: key.ServerID(),
			Message:        req.Message,
			FileIDs:        req.FileIDs,
			FileData:       req.FileData,
			SelectedTool:   req.SelectedTool,
			ToolCategory:   req.ToolCategory,
			Messages:       history,
		},
		writer:   writer,
		ctrl:     c,
		ctx:      sessCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
		started:  time.Now(),
		logger:   c.logger.With("session_id", id),
		onFinish: c.unregister,
		state:    StateRequesting,
		key:      key,
		acc:      NewAccumulator(placeholder),
		typing:   true,
	}
	c.mu.Lock()
	c.sessions[key] = s
	c.mu.Unlock()

	c.logger.Info("Chat session started",
		"session_id", s.id,
		"conversation", key,
		"draft", key.IsDraft(),
		"history", len(history),
		"message_length", len(req.Message),
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		s.run()
	}()
	return s, nil
}

// Session returns the running session for key. A draft key keeps resolving
// to its session after migration.
func (c *Controller) Session(key domain.Key) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[key]
	return s, ok
}

// Cancel cancels the running session for key. It reports whether a session
// was cancelled.
func (c *Controller) Cancel(key domain.Key) bool {
	s, ok := c.Session(key)
	if !ok {
		return false
	}
	return s.Cancel()
}

// Active returns the running sessions.
func (c *Controller) Active() []*Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := make(map[*Session]bool, len(c.sessions))
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// Close cancels every running session, saving their partial responses, and
// waits for them to finish.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	for _, s := range c.Active() {
		s.Cancel()
	}
	c.baseCancel()
	c.wg.Wait()
}

func (c *Controller) rekey(s *Session, from, to domain.Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[from] == s {
		c.sessions[to] = s
	}
}

func (c *Controller) unregister(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range c.sessions {
		if v == s {
			delete(c.sessions, k)
		}
	}
}

func (c *Controller) refreshList(parent context.Context) {
	if c.refresher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), defaultRefreshTimeout)
	defer cancel()
	if err := c.refresher.RefreshConversations(ctx); err != nil {
		c.logger.Warn("Conversation list refresh failed", "error", err)
	}
}

type nopNotifier struct{}

func (nopNotifier) Toast(domain.Toast)              {}
func (nopNotifier) Redirect(domain.PendingRedirect) {}

type logSaver struct {
	logger *slog.Logger
}

func (l logSaver) SaveIncompleteConversation(_ context.Context, ic domain.IncompleteConversation) error {
	l.logger.Warn("No incomplete-conversation saver configured, dropping partial response",
		"partial_length", len(ic.PartialResponse))
	return nil
}
