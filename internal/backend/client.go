// Package backend talks to the assistant backend's REST endpoints: saving
// incomplete responses, listing conversations and loading their history.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"github.com/ashureev/assistant-stream/internal/domain"
)

const (
	defaultRequestTimeout = 30 * time.Second
	maxErrorBody          = 4 << 10
	maxResponseBody       = 16 << 20
)

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: backend returned %d", e.Method, e.Path, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: backend returned %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// Client is a backend REST client. The conversation list is cached after
// every refresh.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger

	group singleflight.Group

	mu            sync.RWMutex
	conversations []domain.ConversationSummary
	refreshedAt   time.Time
}

// NewClient creates a Client. A nil httpClient gets a default with a 30s
// timeout.
func NewClient(baseURL, token string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: httpClient,
		logger:     logger,
	}
}

// SaveIncompleteConversation stores a response that was cut short.
func (c *Client) SaveIncompleteConversation(ctx context.Context, ic domain.IncompleteConversation) error {
	if ic.FileData == nil {
		ic.FileData = []map[string]any{}
	}
	body, err := json.Marshal(ic)
	if err != nil {
		return fmt.Errorf("encode incomplete conversation: %w", err)
	}
	if _, err := c.do(ctx, http.MethodPost, "/save-incomplete-conversation", body); err != nil {
		return err
	}
	c.logger.Info("Saved incomplete conversation",
		"conversation", derefOr(ic.ConversationID, "new"),
		"partial_length", len(ic.PartialResponse),
	)
	return nil
}

// ListConversations fetches the conversation list.
func (c *Client) ListConversations(ctx context.Context) ([]domain.ConversationSummary, error) {
	data, err := c.do(ctx, http.MethodGet, "/conversations", nil)
	if err != nil {
		return nil, err
	}
	return parseConversations(data), nil
}

// RefreshConversations reloads the cached list. Concurrent calls share one
// request.
func (c *Client) RefreshConversations(ctx context.Context) error {
	_, err, shared := c.group.Do("conversations", func() (any, error) {
		list, err := c.ListConversations(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.conversations = list
		c.refreshedAt = time.Now()
		c.mu.Unlock()
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("refresh conversations: %w", err)
	}
	c.logger.Debug("Conversation list refreshed", "shared", shared)
	return nil
}

// Conversations returns the cached list and when it was last refreshed.
// The zero time means it never was.
func (c *Client) Conversations() ([]domain.ConversationSummary, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]domain.ConversationSummary(nil), c.conversations...), c.refreshedAt
}

// FetchMessages loads the history of a server conversation.
func (c *Client) FetchMessages(ctx context.Context, id string) ([]domain.Message, error) {
	data, err := c.do(ctx, http.MethodGet, "/conversations/"+url.PathEscape(id)+"/messages", nil)
	if err != nil {
		return nil, err
	}
	return parseMessages(data)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(msg)),
		}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", path, err)
	}
	return data, nil
}

// parseConversations accepts a bare array or {"conversations": [...]}.
func parseConversations(data []byte) []domain.ConversationSummary {
	items := listOf(data, "conversations")
	out := make([]domain.ConversationSummary, 0, len(items))
	for _, item := range items {
		id := item.Get("id").String()
		if id == "" {
			id = item.Get("conversation_id").String()
		}
		if id == "" {
			continue
		}
		s := domain.ConversationSummary{
			ID:          id,
			Title:       firstString(item, "title", "conversation_description", "description"),
			Description: item.Get("description").String(),
		}
		if ts := firstString(item, "updated_at", "updatedAt"); ts != "" {
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				s.UpdatedAt = t
			}
		}
		out = append(out, s)
	}
	return out
}

// parseMessages accepts a bare array or {"messages": [...]}. Roles other
// than "user" are treated as bot messages.
func parseMessages(data []byte) ([]domain.Message, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("decode messages: invalid JSON")
	}
	items := listOf(data, "messages")
	out := make([]domain.Message, 0, len(items))
	for _, item := range items {
		m := domain.Message{
			ID:   item.Get("id").String(),
			Role: domain.RoleBot,
			Text: firstString(item, "text", "content", "response"),
		}
		if m.ID == "" {
			m.ID = domain.NewMessageID()
		}
		if item.Get("role").String() == string(domain.RoleUser) {
			m.Role = domain.RoleUser
		}
		if ts := firstString(item, "timestamp", "created_at"); ts != "" {
			if t, err := time.Parse(time.RFC3339, ts); err == nil {
				m.Timestamp = t
			}
		}
		if p := item.Get("payload"); p.IsObject() {
			if err := json.Unmarshal([]byte(p.Raw), &m.Payload); err != nil {
				return nil, fmt.Errorf("decode message %s payload: %w", m.ID, err)
			}
		}
		out = append(out, m)
	}
	return out, nil
}

func listOf(data []byte, field string) []gjson.Result {
	root := gjson.ParseBytes(data)
	if root.IsArray() {
		return root.Array()
	}
	return root.Get(field).Array()
}

func firstString(item gjson.Result, fields ...string) string {
	for _, f := range fields {
		if v := item.Get(f); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
