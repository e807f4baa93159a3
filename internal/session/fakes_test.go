package session

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/assistant-stream/internal/conversation"
	"github.com/ashureev/assistant-stream/internal/domain"
	"github.com/ashureev/assistant-stream/internal/stream"
)

// fakeStream is one scripted response. Frames pushed with send are yielded
// in order; closing ends the stream normally; fail ends it with an error.
type fakeStream struct {
	frames    chan string
	errs      chan error
	delivered chan string
	// leaky streams keep yielding after cancellation, like a slow network
	// callback that was already queued.
	leaky bool
}

func (f *fakeStream) send(frames ...string) {
	for _, fr := range frames {
		f.frames <- fr
	}
}

func (f *fakeStream) close() { close(f.frames) }

func (f *fakeStream) fail(err error) { f.errs <- err }

type fakeTransport struct {
	mu      sync.Mutex
	streams []*fakeStream
	reqs    []stream.ChatRequest
	opened  chan *fakeStream
	leaky   bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{opened: make(chan *fakeStream, 16)}
}

func (t *fakeTransport) Open(ctx context.Context, req stream.ChatRequest) iter.Seq2[string, error] {
	fs := &fakeStream{
		frames:    make(chan string, 64),
		errs:      make(chan error, 1),
		delivered: make(chan string, 64),
		leaky:     t.leaky,
	}
	t.mu.Lock()
	t.streams = append(t.streams, fs)
	t.reqs = append(t.reqs, req)
	t.mu.Unlock()
	t.opened <- fs

	return func(yield func(string, error) bool) {
		for {
			var done <-chan struct{}
			if !fs.leaky {
				done = ctx.Done()
			}
			select {
			case frame, ok := <-fs.frames:
				if !ok {
					return
				}
				cont := yield(frame, nil)
				fs.delivered <- frame
				if !cont {
					return
				}
			case err := <-fs.errs:
				yield("", err)
				return
			case <-done:
				yield("", fmt.Errorf("%w: %w", stream.ErrAborted, context.Cause(ctx)))
				return
			}
		}
	}
}

func (t *fakeTransport) next(tb testing.TB) *fakeStream {
	tb.Helper()
	select {
	case fs := <-t.opened:
		return fs
	case <-time.After(2 * time.Second):
		tb.Fatal("timed out waiting for stream to open")
		return nil
	}
}

func (t *fakeTransport) request(i int) stream.ChatRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reqs[i]
}

type recordingSaver struct {
	mu    sync.Mutex
	saved []domain.IncompleteConversation
}

func (r *recordingSaver) SaveIncompleteConversation(_ context.Context, ic domain.IncompleteConversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, ic)
	return nil
}

func (r *recordingSaver) calls() []domain.IncompleteConversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.IncompleteConversation(nil), r.saved...)
}

type recordingNotifier struct {
	mu        sync.Mutex
	toasts    []domain.Toast
	redirects []domain.PendingRedirect
}

func (r *recordingNotifier) Toast(t domain.Toast) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.toasts = append(r.toasts, t)
}

func (r *recordingNotifier) Redirect(p domain.PendingRedirect) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.redirects = append(r.redirects, p)
}

func (r *recordingNotifier) snapshot() ([]domain.Toast, []domain.PendingRedirect) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Toast(nil), r.toasts...), append([]domain.PendingRedirect(nil), r.redirects...)
}

type countingRefresher struct {
	mu    sync.Mutex
	count int
}

func (c *countingRefresher) RefreshConversations(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count++
	return nil
}

func (c *countingRefresher) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

type harness struct {
	store     *conversation.Store
	transport *fakeTransport
	saver     *recordingSaver
	notifier  *recordingNotifier
	refresher *countingRefresher
	fetched   *conversation.MemoryFetched
	ctrl      *Controller
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:     conversation.NewStore(nil),
		transport: newFakeTransport(),
		saver:     &recordingSaver{},
		notifier:  &recordingNotifier{},
		refresher: &countingRefresher{},
		fetched:   conversation.NewMemoryFetched(),
	}
	h.ctrl = NewController(h.store, Options{
		Transport: h.transport,
		Saver:     h.saver,
		Notifier:  h.notifier,
		Refresher: h.refresher,
		Migrator:  conversation.NewMigrator(h.fetched, nil, nil),
	})
	t.Cleanup(func() {
		h.ctrl.Close()
		h.store.Close()
	})
	return h
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("session did not finish: %v", err)
	}
}

func waitDelivered(t *testing.T, fs *fakeStream, frame string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-fs.delivered:
			if got == frame {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for frame %q to be handled", frame)
		}
	}
}
