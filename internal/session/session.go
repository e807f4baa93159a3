// Package session runs streaming chat exchanges: one Session per in-flight
// response, coordinated per conversation by a Controller.
package session

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/assistant-stream/internal/conversation"
	"github.com/ashureev/assistant-stream/internal/domain"
	"github.com/ashureev/assistant-stream/internal/stream"
	"github.com/ashureev/assistant-stream/internal/transcript"
)

// ApologyText replaces an empty response after a failure.
const ApologyText = "Sorry, I encountered an error while processing your request. Please try again."

var (
	// ErrCancelled is the cancellation cause for user-initiated cancels.
	ErrCancelled = errors.New("session cancelled")
	// ErrSuperseded is the cause when a newer writer took the conversation.
	ErrSuperseded = errors.New("session superseded")
)

// State is a step of the session lifecycle.
type State int

const (
	StateIdle State = iota
	StateRequesting
	StateStreaming
	StateCompleted
	StateCancelled
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateErrored
}

// Transport opens a frame stream for a request.
type Transport interface {
	Open(ctx context.Context, req stream.ChatRequest) iter.Seq2[string, error]
}

// IncompleteSaver persists a response that was cut short.
type IncompleteSaver interface {
	SaveIncompleteConversation(ctx context.Context, ic domain.IncompleteConversation) error
}

// Notifier surfaces toasts and redirects to the UI.
type Notifier interface {
	Toast(t domain.Toast)
	Redirect(r domain.PendingRedirect)
}

// ListRefresher reloads the conversation list.
type ListRefresher interface {
	RefreshConversations(ctx context.Context) error
}

// Session is one request/response exchange. All state transitions happen
// under mu, and a terminal state is final.
type Session struct {
	id       string
	req      SendRequest
	chatReq  stream.ChatRequest
	writer   *conversation.Writer
	ctrl     *Controller
	ctx      context.Context
	cancel   context.CancelCauseFunc
	done     chan struct{}
	started  time.Time
	logger   *slog.Logger
	onFinish func(*Session)

	mu        sync.Mutex
	state     State
	key       domain.Key
	acc       *Accumulator
	migrated  bool
	typing    bool
	serverErr string
	err       error
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Key returns the conversation key the session writes to. It changes once
// if the conversation is migrated.
func (s *Session) Key() domain.Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Text returns the response text received so far.
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acc.Text()
}

// Err returns the transport error for an errored session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the session reached a terminal state and released
// the conversation.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until Done or ctx ends.
func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel stops the session. The partial response is written to the
// conversation and saved before Cancel returns. It returns false if the
// session had already finished.
func (s *Session) Cancel() bool {
	return s.finish(StateCancelled, nil)
}

func (s *Session) run() {
	for frame, err := range s.ctrl.transport.Open(s.ctx, s.chatReq) {
		if err != nil {
			if errors.Is(err, stream.ErrAborted) {
				s.finish(StateCancelled, nil)
			} else {
				s.finish(StateErrored, err)
			}
			return
		}
		if stop := s.handle(frame); stop {
			break
		}
	}
	if errors.Is(context.Cause(s.ctx), ErrSuperseded) {
		s.finish(StateCancelled, nil)
		return
	}
	s.finish(StateCompleted, nil)
}

// handle applies one frame. It reports true when the session should stop
// reading.
func (s *Session) handle(frame string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return true
	}
	if s.state == StateRequesting {
		s.state = StateStreaming
	}

	d := stream.Parse(frame)
	if d.Kind == stream.KindDone {
		s.acc.Apply(d)
		return true
	}

	if d.ConversationID != "" && !s.migrated && s.key.IsDraft() {
		s.migrated = true
		to := domain.Key(d.ConversationID)
		if redirect, ok := s.ctrl.migrator.Migrate(s.ctx, s.writer, to, d.ConversationDescription); ok {
			s.key = to
			s.ctrl.rekey(s, redirect.From, redirect.To)
			s.ctrl.notifier.Redirect(redirect)
		}
	}

	if d.Error != "" {
		s.serverErr = d.Error
		s.logger.Warn("Server reported error mid-stream", "conversation", s.key, "error", d.Error)
		s.ctrl.notifier.Toast(domain.Toast{Level: domain.ToastError, Message: d.Error, Key: s.key})
	}

	if d.UserMessageID != "" {
		s.writer.SetUserMessageID(d.UserMessageID)
	}

	snap := s.acc.Apply(d)
	if s.typing && d.Content != "" {
		s.typing = false
		s.writer.SetTyping(false)
	}
	if !s.writer.CommitTail(snap) {
		s.cancel(ErrSuperseded)
		return true
	}
	return false
}

// finish performs the terminal transition exactly once: write the final
// message, save incomplete work when cut short, then release the
// conversation.
func (s *Session) finish(final State, cause error) bool {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return false
	}
	prev := s.state
	s.state = final
	s.err = cause

	switch final {
	case StateCancelled:
		s.cancel(ErrCancelled)
	case StateErrored:
		s.cancel(cause)
	default:
		s.cancel(nil)
	}

	partial := s.acc.Text()
	snap := s.acc.Finalize()
	if snap.Text == "" && (final == StateErrored || s.serverErr != "") {
		snap.Text = ApologyText
	}
	s.writer.CommitTail(snap)
	key := s.key
	migrated := s.migrated
	s.mu.Unlock()

	s.logger.Info("Chat session finished",
		"conversation", key,
		"from", prev.String(),
		"state", final.String(),
		"deltas", s.acc.Deltas(),
		"duration_ms", time.Since(s.started).Milliseconds(),
	)

	if final == StateErrored {
		s.ctrl.notifier.Toast(domain.Toast{Level: domain.ToastError, Message: cause.Error(), Key: key})
	}
	if final == StateCancelled || final == StateErrored {
		s.saveIncomplete(key, partial)
	}
	s.logTranscript(key, final, partial)

	s.writer.EndStreaming()
	s.writer.Release()
	if final == StateCompleted && migrated {
		s.ctrl.refreshList(s.ctx)
	}
	if s.onFinish != nil {
		s.onFinish(s)
	}
	close(s.done)
	return true
}

func (s *Session) saveIncomplete(key domain.Key, partial string) {
	ic := domain.IncompleteConversation{
		Prompt:          s.req.Message,
		ConversationID:  key.ServerID(),
		PartialResponse: partial,
		FileData:        s.req.FileData,
		SelectedTool:    s.req.SelectedTool,
		ToolCategory:    s.req.ToolCategory,
	}
	if ic.FileData == nil {
		ic.FileData = []map[string]any{}
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.ctrl.saveTimeout)
	defer cancel()
	if err := s.ctrl.saver.SaveIncompleteConversation(ctx, ic); err != nil {
		s.logger.Error("Failed to save incomplete conversation", "conversation", key, "error", err)
	}
}

func (s *Session) logTranscript(key domain.Key, final State, text string) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	s.ctrl.transcript.Log(transcript.Event{
		Timestamp:      now,
		ConversationID: string(key),
		SessionID:      s.id,
		Channel:        "chat_stream",
		Direction:      "outbound",
		EventType:      "user_message",
		ContentRaw:     s.req.Message,
	})
	s.ctrl.transcript.Log(transcript.Event{
		Timestamp:      now,
		ConversationID: string(key),
		SessionID:      s.id,
		Channel:        "chat_stream",
		Direction:      "inbound",
		EventType:      "assistant_message",
		ContentRaw:     text,
		Meta: map[string]any{
			"state":        final.String(),
			"partial":      final != StateCompleted,
			"server_error": s.serverErr,
			"deltas":       s.acc.Deltas(),
		},
	})
}
