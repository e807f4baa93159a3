// Package stream talks to the backend's streaming chat endpoint and decodes
// the frames it sends.
package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"
)

// DoneSentinel terminates a successful stream.
const DoneSentinel = "[DONE]"

const (
	chatStreamPath       = "/chat-stream"
	defaultMaxFrameBytes = 1 << 20
	errorBodyLimit       = 4 << 10
)

// TransportConfig configures HTTPTransport.
type TransportConfig struct {
	BaseURL       string
	Token         string
	MaxFrameBytes int
	// Client overrides the HTTP client. It must not set an overall Timeout,
	// since streams are long-lived.
	Client *http.Client
}

// HTTPTransport opens server-sent-event streams over HTTP POST.
type HTTPTransport struct {
	endpoint      string
	token         string
	maxFrameBytes int
	client        *http.Client
	logger        *slog.Logger
}

// NewHTTPTransport creates a transport for the given backend.
func NewHTTPTransport(cfg TransportConfig, logger *slog.Logger) *HTTPTransport {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = defaultMaxFrameBytes
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 60 * time.Second,
				MaxIdleConnsPerHost:   4,
			},
		}
	}
	return &HTTPTransport{
		endpoint:      strings.TrimRight(cfg.BaseURL, "/") + chatStreamPath,
		token:         cfg.Token,
		maxFrameBytes: cfg.MaxFrameBytes,
		client:        client,
		logger:        logger,
	}
}

// Open starts a stream and yields one frame per "data:" line. The sequence
// ends after DoneSentinel is yielded, when the server closes the body, or
// with a single error. Once ctx is cancelled no further frames are yielded
// and the error is ErrAborted. There is no reconnect.
func (t *HTTPTransport) Open(ctx context.Context, req ChatRequest) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		body, err := json.Marshal(req.normalized())
		if err != nil {
			yield("", fmt.Errorf("encode chat request: %w", err))
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
		if err != nil {
			yield("", fmt.Errorf("build chat request: %w", err))
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")
		httpReq.Header.Set("Cache-Control", "no-cache")
		if t.token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+t.token)
		}

		t.logger.Debug("Opening chat stream",
			"endpoint", t.endpoint,
			"history", len(req.Messages),
			"new_conversation", req.ConversationID == nil,
		)

		resp, err := t.client.Do(httpReq)
		if err != nil {
			yield("", classify(ctx, err))
			return
		}
		defer func() {
			if closeErr := resp.Body.Close(); closeErr != nil {
				t.logger.Debug("Failed to close chat stream body", "error", closeErr)
			}
		}()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
			t.logger.Warn("Chat stream rejected", "status", resp.StatusCode)
			yield("", &TransportError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))})
			return
		}

		t.readFrames(ctx, resp.Body, yield)
	}
}

func (t *HTTPTransport) readFrames(ctx context.Context, r io.Reader, yield func(string, error) bool) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), t.maxFrameBytes)

	frames := 0
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")

		// event:, id:, retry: and ":" comments carry nothing the engine uses.
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")

		if ctx.Err() != nil {
			yield("", classify(ctx, ctx.Err()))
			return
		}
		frames++
		if !yield(data, nil) {
			return
		}
		if data == DoneSentinel {
			t.logger.Debug("Chat stream finished", "frames", frames)
			return
		}
	}

	if err := scanner.Err(); err != nil {
		yield("", classify(ctx, err))
		return
	}
	if ctx.Err() != nil {
		yield("", classify(ctx, ctx.Err()))
		return
	}
	t.logger.Debug("Chat stream closed without sentinel", "frames", frames)
}
