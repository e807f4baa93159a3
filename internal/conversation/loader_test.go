package conversation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/ashureev/assistant-stream/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHistory struct {
	calls atomic.Int32
	list  []domain.Message
	err   error
}

func (f *fakeHistory) FetchMessages(_ context.Context, _ string) ([]domain.Message, error) {
	f.calls.Add(1)
	return f.list, f.err
}

type fakeSnapshots struct {
	list []domain.Message
}

func (f *fakeSnapshots) LoadSnapshot(_ context.Context, _ domain.Key) ([]domain.Message, bool, error) {
	if f.list == nil {
		return nil, false, nil
	}
	return f.list, true, nil
}

func TestLoaderFetchesOnceThenServesFromMemory(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	history := &fakeHistory{list: []domain.Message{userMsg("q"), botMsg("a")}}
	l := NewLoader(s, NewMemoryFetched(), history, nil, nil)

	got, err := l.Open(context.Background(), "c1")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = l.Open(context.Background(), "c1")
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, int32(1), history.calls.Load())
}

func TestLoaderSkipsMigratedConversation(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	fetched := NewMemoryFetched()
	history := &fakeHistory{list: []domain.Message{userMsg("server copy")}}
	l := NewLoader(s, fetched, history, nil, nil)
	m := NewMigrator(fetched, nil, nil)

	draft := domain.NewDraftKey()
	w := s.Acquire(draft)
	w.Append(userMsg("Hello"), botMsg("Hi"))
	_, ok := m.Migrate(context.Background(), w, "c1", "")
	require.True(t, ok)
	w.Release()

	got, err := l.Open(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Hello", got[0].Text)
	assert.Zero(t, history.calls.Load())
}

func TestLoaderRestoresSnapshotForFetchedKey(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	fetched := NewMemoryFetched()
	require.NoError(t, fetched.MarkFetched(context.Background(), "c1"))
	history := &fakeHistory{}
	l := NewLoader(s, fetched, history, &fakeSnapshots{list: []domain.Message{userMsg("cached")}}, nil)

	got, err := l.Open(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "cached", got[0].Text)
	assert.Zero(t, history.calls.Load())
}

func TestLoaderReportsFetchFailure(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	l := NewLoader(s, nil, &fakeHistory{err: errors.New("offline")}, nil, nil)

	_, err := l.Open(context.Background(), "c9")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "offline")
}

func TestLoaderLeavesDraftsAlone(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	history := &fakeHistory{}
	l := NewLoader(s, nil, history, nil, nil)

	got, err := l.Open(context.Background(), domain.NewDraftKey())
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, history.calls.Load())
}
