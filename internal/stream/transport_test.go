package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ashureev/assistant-stream/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, seq func(func(string, error) bool)) ([]string, error) {
	t.Helper()
	var frames []string
	var streamErr error
	for frame, err := range seq {
		if err != nil {
			streamErr = err
			break
		}
		frames = append(frames, frame)
	}
	return frames, streamErr
}

func TestTransportYieldsFramesUntilDone(t *testing.T) {
	t.Parallel()

	var got ChatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat-stream", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keepalive\n\n")
		fmt.Fprint(w, "data: {\"conversation_id\":\"c1\"}\n\n")
		fmt.Fprint(w, "event: message\ndata: {\"response\":\"Hi\"}\n\n")
		fmt.Fprint(w, "data:{\"response\":\" there\"}\r\n\r\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
		fmt.Fprint(w, "data: {\"response\":\"after done\"}\n\n")
	}))
	defer srv.Close()

	tr := NewHTTPTransport(TransportConfig{BaseURL: srv.URL + "/", Token: "secret"}, nil)
	frames, err := collect(t, tr.Open(context.Background(), ChatRequest{Message: "Hello"}))
	require.NoError(t, err)
	assert.Equal(t, []string{`{"conversation_id":"c1"}`, `{"response":"Hi"}`, `{"response":" there"}`, "[DONE]"}, frames)

	assert.Equal(t, "Hello", got.Message)
	assert.Nil(t, got.ConversationID)
	assert.NotNil(t, got.FileIDs)
	assert.NotNil(t, got.Messages)
}

func TestTransportBodyUsesWireNames(t *testing.T) {
	t.Parallel()

	var raw map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&raw))
	}))
	defer srv.Close()

	id := "c9"
	tool := "calendar"
	tr := NewHTTPTransport(TransportConfig{BaseURL: srv.URL}, nil)
	_, err := collect(t, tr.Open(context.Background(), ChatRequest{
		ConversationID: &id,
		Message:        "Plan my week",
		SelectedTool:   &tool,
		Messages:       []Turn{{Role: "assistant", Content: "Hi"}},
	}))
	require.NoError(t, err)

	assert.Equal(t, "c9", raw["conversation_id"])
	assert.Equal(t, "calendar", raw["selectedTool"])
	assert.Nil(t, raw["toolCategory"])
	assert.Equal(t, []any{}, raw["fileIds"])
	assert.Equal(t, []any{}, raw["fileData"])
	assert.Len(t, raw["messages"], 1)
}

func TestTransportNormalCloseWithoutSentinel(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"response\":\"partial\"}\n\n")
	}))
	defer srv.Close()

	tr := NewHTTPTransport(TransportConfig{BaseURL: srv.URL}, nil)
	frames, err := collect(t, tr.Open(context.Background(), ChatRequest{Message: "x"}))
	require.NoError(t, err)
	assert.Equal(t, []string{`{"response":"partial"}`}, frames)
}

func TestTransportNon2xxIsTransportError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	tr := NewHTTPTransport(TransportConfig{BaseURL: srv.URL}, nil)
	frames, err := collect(t, tr.Open(context.Background(), ChatRequest{Message: "x"}))
	assert.Empty(t, frames)

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusBadGateway, te.StatusCode)
	assert.Equal(t, "upstream unavailable", te.Body)
	assert.False(t, errors.Is(err, ErrAborted))
}

func TestTransportCancelStopsDelivery(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"response\":\"Hel\"}\n\n")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tr := NewHTTPTransport(TransportConfig{BaseURL: srv.URL}, nil)
	var frames []string
	var streamErr error
	for frame, err := range tr.Open(ctx, ChatRequest{Message: "x"}) {
		if err != nil {
			streamErr = err
			break
		}
		frames = append(frames, frame)
		cancel()
	}

	assert.Equal(t, []string{`{"response":"Hel"}`}, frames)
	require.Error(t, streamErr)
	assert.ErrorIs(t, streamErr, ErrAborted)
	assert.ErrorIs(t, streamErr, context.Canceled)
}

func TestTransportConnectionFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	tr := NewHTTPTransport(TransportConfig{BaseURL: url, Client: &http.Client{Timeout: 2 * time.Second}}, nil)
	_, err := collect(t, tr.Open(context.Background(), ChatRequest{Message: "x"}))

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Zero(t, te.StatusCode)
}

func TestBuildHistoryTrimsThenFilters(t *testing.T) {
	t.Parallel()

	var msgs []domain.Message
	for i := range 34 {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleBot
		}
		text := fmt.Sprintf("turn %d", i)
		if i == 10 || i == 33 {
			text = "  "
		}
		msgs = append(msgs, domain.Message{Role: role, Text: text})
	}
	msgs = append(msgs, domain.Message{Role: domain.RoleBot, Loading: true})

	turns := BuildHistory(msgs)
	// The last 30 entries are indices 5..34; 10, 33 and the loading tail drop out.
	require.Len(t, turns, 27)
	assert.Equal(t, Turn{Role: "assistant", Content: "turn 5"}, turns[0])
	assert.Equal(t, Turn{Role: "user", Content: "turn 6"}, turns[1])
	assert.Equal(t, "turn 32", turns[len(turns)-1].Content)
}
