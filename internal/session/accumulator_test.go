package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/assistant-stream/internal/domain"
	"github.com/ashureev/assistant-stream/internal/stream"
)

func TestAccumulatorTextIsConcatenationOfDeltas(t *testing.T) {
	t.Parallel()

	frames := []string{
		`{"response":"Hel"}`,
		`{"status":"thinking"}`,
		`{"content":"lo"}`,
		`not json at all`,
		`{"response":""}`,
		`{"response":" wörld"}`,
	}
	acc := NewAccumulator(domain.NewBotPlaceholder())
	var want strings.Builder
	for _, f := range frames {
		d := stream.Parse(f)
		want.WriteString(d.Content)
		snap := acc.Apply(d)
		assert.Equal(t, want.String(), snap.Text)
		assert.True(t, snap.Loading)
	}
	assert.Equal(t, "Hello"+"not json at all"+" wörld", acc.Text())
	assert.Equal(t, len(frames), acc.Deltas())
}

func TestAccumulatorPayloadOnlyGrows(t *testing.T) {
	t.Parallel()

	acc := NewAccumulator(domain.NewBotPlaceholder())
	acc.Apply(stream.Parse(`{"image_data":{"url":"a.png"}}`))
	acc.Apply(stream.Parse(`{"follow_up_actions":["again"]}`))
	snap := acc.Apply(stream.Parse(`{"response":"done"}`))

	require.NotNil(t, snap.Payload.ImageData)
	assert.JSONEq(t, `{"url":"a.png"}`, string(snap.Payload.ImageData))
	assert.Equal(t, []string{"again"}, snap.Payload.FollowUpActions)

	snap = acc.Apply(stream.Parse(`{"follow_up_actions":["other"]}`))
	assert.Equal(t, []string{"other"}, snap.Payload.FollowUpActions)
	assert.NotNil(t, snap.Payload.ImageData)
}

func TestAccumulatorSnapshotsAreIndependent(t *testing.T) {
	t.Parallel()

	acc := NewAccumulator(domain.NewBotPlaceholder())
	first := acc.Apply(stream.Parse(`{"follow_up_actions":["a"]}`))
	first.Payload.FollowUpActions[0] = "mutated"

	second := acc.Snapshot()
	assert.Equal(t, []string{"a"}, second.Payload.FollowUpActions)
}

func TestAccumulatorAdoptsServerMessageID(t *testing.T) {
	t.Parallel()

	acc := NewAccumulator(domain.NewBotPlaceholder())
	snap := acc.Apply(stream.Parse(`{"bot_message_id":"srv-9"}`))
	assert.Equal(t, "srv-9", snap.ID)

	final := acc.Finalize()
	assert.False(t, final.Loading)
	assert.Equal(t, "srv-9", final.ID)
}

func TestAccumulatorDoneIsNoop(t *testing.T) {
	t.Parallel()

	acc := NewAccumulator(domain.NewBotPlaceholder())
	acc.Apply(stream.Parse(`{"response":"x"}`))
	snap := acc.Apply(stream.Parse(stream.DoneSentinel))
	assert.Equal(t, "x", snap.Text)
}
