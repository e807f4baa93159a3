package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Wire names of the payload fields the engine interprets.
const (
	FieldImageData       = "image_data"
	FieldFollowUpActions = "follow_up_actions"
	FieldProgress        = "progress"
	FieldStatus          = "status"
)

var errInvalidPayload = errors.New("payload is not a JSON object")

// ToolProgress describes a tool invocation the backend is running.
type ToolProgress struct {
	Message      string `json:"message"`
	ToolName     string `json:"tool_name,omitempty"`
	ToolCategory string `json:"tool_category,omitempty"`
}

// Payload holds the structured fields attached to a message. The typed
// fields are the ones the engine reads; everything else (calendar, todo,
// weather, search results and so on) is kept verbatim in Extra.
type Payload struct {
	ImageData       json.RawMessage
	FollowUpActions []string
	Progress        *ToolProgress
	Status          string
	Extra           map[string]json.RawMessage
}

// PayloadPatch is a partial update to a Payload. A nil field means
// "not present in this update" and leaves the current value untouched.
// There is no way to express removal.
type PayloadPatch struct {
	ImageData       json.RawMessage
	FollowUpActions []string
	Progress        *ToolProgress
	Status          *string
	Extra           map[string]json.RawMessage
}

// IsEmpty reports whether the patch carries no fields.
func (p PayloadPatch) IsEmpty() bool {
	return p.ImageData == nil && p.FollowUpActions == nil && p.Progress == nil &&
		p.Status == nil && len(p.Extra) == 0
}

// Merge applies patch on top of p and returns the result. Fields present in
// the patch overwrite, absent fields keep their previous value. The receiver
// is not modified.
func (p Payload) Merge(patch PayloadPatch) Payload {
	out := p.Clone()
	if patch.ImageData != nil {
		out.ImageData = slices.Clone(patch.ImageData)
	}
	if patch.FollowUpActions != nil {
		out.FollowUpActions = slices.Clone(patch.FollowUpActions)
	}
	if patch.Progress != nil {
		pr := *patch.Progress
		out.Progress = &pr
	}
	if patch.Status != nil {
		out.Status = *patch.Status
	}
	if len(patch.Extra) > 0 {
		if out.Extra == nil {
			out.Extra = make(map[string]json.RawMessage, len(patch.Extra))
		}
		for k, v := range patch.Extra {
			out.Extra[k] = slices.Clone(v)
		}
	}
	return out
}

// Clone returns a deep copy.
func (p Payload) Clone() Payload {
	out := Payload{
		ImageData:       slices.Clone(p.ImageData),
		FollowUpActions: slices.Clone(p.FollowUpActions),
		Status:          p.Status,
	}
	if p.Progress != nil {
		pr := *p.Progress
		out.Progress = &pr
	}
	if p.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(p.Extra))
		for k, v := range p.Extra {
			out.Extra[k] = slices.Clone(v)
		}
	}
	return out
}

// IsZero reports whether no field is set.
func (p Payload) IsZero() bool {
	return p.ImageData == nil && p.FollowUpActions == nil && p.Progress == nil &&
		p.Status == "" && len(p.Extra) == 0
}

// MarshalJSON flattens the typed fields and the opaque extras into one object.
func (p Payload) MarshalJSON() ([]byte, error) {
	out := []byte("{}")
	var err error
	for _, k := range slices.Sorted(maps.Keys(p.Extra)) {
		out, err = sjson.SetRawBytes(out, gjson.Escape(k), p.Extra[k])
		if err != nil {
			return nil, fmt.Errorf("encode payload field %q: %w", k, err)
		}
	}
	if len(p.ImageData) > 0 {
		if out, err = sjson.SetRawBytes(out, FieldImageData, p.ImageData); err != nil {
			return nil, fmt.Errorf("encode image data: %w", err)
		}
	}
	if p.FollowUpActions != nil {
		if out, err = sjson.SetBytes(out, FieldFollowUpActions, p.FollowUpActions); err != nil {
			return nil, fmt.Errorf("encode follow-up actions: %w", err)
		}
	}
	if p.Progress != nil {
		if out, err = sjson.SetBytes(out, FieldProgress, p.Progress); err != nil {
			return nil, fmt.Errorf("encode progress: %w", err)
		}
	}
	if p.Status != "" {
		if out, err = sjson.SetBytes(out, FieldStatus, p.Status); err != nil {
			return nil, fmt.Errorf("encode status: %w", err)
		}
	}
	return out, nil
}

// UnmarshalJSON splits an object into typed fields and opaque extras.
func (p *Payload) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return errInvalidPayload
	}
	res := gjson.ParseBytes(data)
	if res.Type == gjson.Null {
		*p = Payload{}
		return nil
	}
	if !res.IsObject() {
		return errInvalidPayload
	}

	var out Payload
	res.ForEach(func(key, value gjson.Result) bool {
		if value.Type == gjson.Null {
			return true
		}
		switch key.String() {
		case FieldImageData:
			out.ImageData = json.RawMessage(value.Raw)
		case FieldFollowUpActions:
			out.FollowUpActions = StringsFromResult(value)
		case FieldProgress:
			out.Progress = ProgressFromResult(value)
		case FieldStatus:
			out.Status = value.String()
		default:
			if out.Extra == nil {
				out.Extra = make(map[string]json.RawMessage)
			}
			out.Extra[key.String()] = json.RawMessage(value.Raw)
		}
		return true
	})
	*p = out
	return nil
}

// ProgressFromResult decodes a progress value, which the backend sends either
// as a bare string or as an object. It returns nil for anything else.
func ProgressFromResult(v gjson.Result) *ToolProgress {
	switch {
	case v.Type == gjson.String:
		return &ToolProgress{Message: v.String()}
	case v.IsObject():
		return &ToolProgress{
			Message:      v.Get("message").String(),
			ToolName:     v.Get("tool_name").String(),
			ToolCategory: v.Get("tool_category").String(),
		}
	default:
		return nil
	}
}

// StringsFromResult collects the string elements of a JSON array. Non-array
// values yield nil; non-string elements are skipped.
func StringsFromResult(v gjson.Result) []string {
	if !v.IsArray() {
		return nil
	}
	out := []string{}
	v.ForEach(func(_, item gjson.Result) bool {
		if item.Type == gjson.String {
			out = append(out, item.String())
		}
		return true
	})
	return out
}
