package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestPayloadMergeNeverErasesFields(t *testing.T) {
	t.Parallel()

	patches := []PayloadPatch{
		{Progress: &ToolProgress{Message: "Searching", ToolName: "web_search"}},
		{Status: strPtr("generating_image")},
		{},
		{ImageData: json.RawMessage(`{"url":"https://example.com/a.png"}`)},
		{Extra: map[string]json.RawMessage{"calendar_data": json.RawMessage(`[{"id":1}]`)}},
		{FollowUpActions: []string{"Add to calendar"}},
		{Extra: map[string]json.RawMessage{"weather": json.RawMessage(`{"temp":21}`)}},
		{},
	}

	var p Payload
	seen := map[string]bool{}
	for _, patch := range patches {
		p = p.Merge(patch)
		if p.Progress != nil {
			seen["progress"] = true
		}
		if p.Status != "" {
			seen["status"] = true
		}
		if p.ImageData != nil {
			seen["image"] = true
		}
		if p.FollowUpActions != nil {
			seen["follow"] = true
		}
		for k := range p.Extra {
			seen[k] = true
		}

		assert.Equal(t, seen["progress"], p.Progress != nil)
		assert.Equal(t, seen["status"], p.Status != "")
		assert.Equal(t, seen["image"], p.ImageData != nil)
		assert.Equal(t, seen["follow"], p.FollowUpActions != nil)
		for _, k := range []string{"calendar_data", "weather"} {
			_, ok := p.Extra[k]
			assert.Equal(t, seen[k], ok, "extra %s", k)
		}
	}

	assert.Equal(t, "Searching", p.Progress.Message)
	assert.Equal(t, "generating_image", p.Status)
	assert.Equal(t, []string{"Add to calendar"}, p.FollowUpActions)
}

func TestPayloadMergePresentFieldOverwrites(t *testing.T) {
	t.Parallel()

	p := Payload{}.Merge(PayloadPatch{Status: strPtr("thinking")})
	p = p.Merge(PayloadPatch{Status: strPtr("generating_image")})
	assert.Equal(t, "generating_image", p.Status)

	p = p.Merge(PayloadPatch{FollowUpActions: []string{"a", "b"}})
	p = p.Merge(PayloadPatch{FollowUpActions: []string{}})
	assert.NotNil(t, p.FollowUpActions)
	assert.Empty(t, p.FollowUpActions)
}

func TestPayloadMergeDoesNotAliasInput(t *testing.T) {
	t.Parallel()

	base := Payload{}.Merge(PayloadPatch{FollowUpActions: []string{"one"}})
	next := base.Merge(PayloadPatch{Extra: map[string]json.RawMessage{"todo": json.RawMessage(`1`)}})
	next.FollowUpActions[0] = "changed"

	assert.Equal(t, "one", base.FollowUpActions[0])
	assert.Nil(t, base.Extra)
}

func TestPayloadJSONKeepsOpaqueFields(t *testing.T) {
	t.Parallel()

	in := []byte(`{"status":"done","progress":"Looking up","search_results":[{"title":"x"}],"goal.data":{"n":2},"image_data":{"b64":"AA=="},"skip":null}`)

	var p Payload
	require.NoError(t, json.Unmarshal(in, &p))
	assert.Equal(t, "done", p.Status)
	require.NotNil(t, p.Progress)
	assert.Equal(t, "Looking up", p.Progress.Message)
	assert.JSONEq(t, `[{"title":"x"}]`, string(p.Extra["search_results"]))
	assert.JSONEq(t, `{"n":2}`, string(p.Extra["goal.data"]))
	assert.NotContains(t, p.Extra, "skip")

	out, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"done","progress":{"message":"Looking up"},"search_results":[{"title":"x"}],"goal.data":{"n":2},"image_data":{"b64":"AA=="}}`, string(out))
}

func TestPayloadUnmarshalRejectsNonObject(t *testing.T) {
	t.Parallel()

	var p Payload
	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &p))
	require.NoError(t, json.Unmarshal([]byte(`null`), &p))
	assert.True(t, p.IsZero())
}

func TestDraftKeys(t *testing.T) {
	t.Parallel()

	k := NewDraftKey()
	assert.True(t, k.IsDraft())
	assert.Nil(t, k.ServerID())
	assert.NotEqual(t, k, NewDraftKey())

	id := Key("c1")
	assert.False(t, id.IsDraft())
	require.NotNil(t, id.ServerID())
	assert.Equal(t, "c1", *id.ServerID())
}
