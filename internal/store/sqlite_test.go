package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/assistant-stream/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "nested", "assistant.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestFetchedMarks(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.IsFetched(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.MarkFetched(ctx, "c1"))
	require.NoError(t, s.MarkFetched(ctx, "c1"))

	ok, err = s.IsFetched(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, s.Ping(ctx))
}

func TestSnapshotRoundTripKeepsPayload(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	_, found, err := s.LoadSnapshot(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, found)

	msgs := []domain.Message{
		{ID: "u1", Role: domain.RoleUser, Text: "Hi", Timestamp: time.Unix(100, 0).UTC()},
		{ID: "b1", Role: domain.RoleBot, Text: "Hello", Timestamp: time.Unix(101, 0).UTC(), Payload: domain.Payload{
			FollowUpActions: []string{"more"},
			Extra:           map[string]json.RawMessage{"goal": json.RawMessage(`{"id":7}`)},
		}},
	}
	require.NoError(t, s.SaveSnapshot(ctx, "c1", msgs))

	got, found, err := s.LoadSnapshot(ctx, "c1")
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, got, 2)
	assert.Equal(t, "Hello", got[1].Text)
	assert.Equal(t, []string{"more"}, got[1].Payload.FollowUpActions)
	assert.JSONEq(t, `{"id":7}`, string(got[1].Payload.Extra["goal"]))

	require.NoError(t, s.SaveSnapshot(ctx, "c1", msgs[:1]))
	got, _, err = s.LoadSnapshot(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestCleanupFetchedRemovesStaleRows(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return base }
	require.NoError(t, s.MarkFetched(ctx, "old"))
	require.NoError(t, s.SaveSnapshot(ctx, "old", nil))

	s.now = func() time.Time { return base.Add(6 * 24 * time.Hour) }
	require.NoError(t, s.MarkFetched(ctx, "fresh"))

	s.now = func() time.Time { return base.Add(8 * 24 * time.Hour) }
	removed, err := s.CleanupFetched(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	ok, err := s.IsFetched(ctx, "old")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.IsFetched(ctx, "fresh")
	require.NoError(t, err)
	assert.True(t, ok)
	_, found, err := s.LoadSnapshot(ctx, "old")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestIncompleteQueue(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	id := "c1"
	first := domain.IncompleteConversation{Prompt: "one", ConversationID: &id, PartialResponse: "par", FileData: []map[string]any{}}
	second := domain.IncompleteConversation{Prompt: "two", FileData: []map[string]any{}}

	id1, err := s.EnqueueIncomplete(ctx, first, "backend down")
	require.NoError(t, err)
	_, err = s.EnqueueIncomplete(ctx, second, "")
	require.NoError(t, err)

	pending, err := s.PendingIncomplete(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "one", pending[0].Conversation.Prompt)
	require.NotNil(t, pending[0].Conversation.ConversationID)
	assert.Equal(t, "c1", *pending[0].Conversation.ConversationID)
	assert.Equal(t, "backend down", pending[0].LastError)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Nil(t, pending[1].Conversation.ConversationID)

	require.NoError(t, s.RecordIncompleteFailure(ctx, id1, "still down"))
	pending, err = s.PendingIncomplete(ctx, 1)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 2, pending[0].Attempts)
	assert.Equal(t, "still down", pending[0].LastError)

	require.NoError(t, s.DeleteIncomplete(ctx, id1))
	pending, err = s.PendingIncomplete(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "two", pending[0].Conversation.Prompt)
}

func TestBusyErrorsAreRetried(t *testing.T) {
	t.Parallel()

	calls := 0
	err := withBusyRetry(context.Background(), "op", func() error {
		calls++
		if calls < 2 {
			return assert.AnError
		}
		return nil
	})
	assert.Error(t, err, "non-busy errors are not retried")
	assert.Equal(t, 1, calls)

	calls = 0
	err = withBusyRetry(context.Background(), "op", func() error {
		calls++
		if calls < 2 {
			return errBusy
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

type busyError struct{}

func (busyError) Error() string { return "database is locked (5) (SQLITE_BUSY)" }

var errBusy error = busyError{}
