package stream

import (
	"encoding/json"
	"strings"

	"github.com/ashureev/assistant-stream/internal/domain"
	"github.com/tidwall/gjson"
)

// Kind tags a Delta with the most significant thing it carries.
type Kind int

const (
	KindFinalize Kind = iota
	KindStatus
	KindToolProgress
	KindContent
	KindError
	KindDone
)

func (k Kind) String() string {
	switch k {
	case KindFinalize:
		return "finalize"
	case KindStatus:
		return "status"
	case KindToolProgress:
		return "tool-progress"
	case KindContent:
		return "content"
	case KindError:
		return "error"
	case KindDone:
		return "done"
	default:
		return "unknown"
	}
}

const unknownServerError = "The assistant reported an error."

// knownKeys are interpreted by Parse; anything else is passed through.
var knownKeys = map[string]struct{}{
	"type":                     {},
	"response":                 {},
	"content":                  {},
	"conversation_id":          {},
	"conversation_description": {},
	"message_id":               {},
	"bot_message_id":           {},
	"user_message_id":          {},
	"error":                    {},
	"progress":                 {},
	"follow_up_actions":        {},
	"image_data":               {},
	"status":                   {},
}

// Delta is the decoded form of one frame. Kind is a label only; every field
// found in the frame is populated regardless of it.
type Delta struct {
	Kind Kind
	Raw  string
	Type string

	Content string

	ConversationID          string
	ConversationDescription string
	MessageID               string
	BotMessageID            string
	UserMessageID           string

	Error string

	Progress        *domain.ToolProgress
	FollowUpActions []string
	ImageData       json.RawMessage
	Status          *string
	Extra           map[string]json.RawMessage
}

// Patch returns the payload fields carried by the delta.
func (d Delta) Patch() domain.PayloadPatch {
	return domain.PayloadPatch{
		ImageData:       d.ImageData,
		FollowUpActions: d.FollowUpActions,
		Progress:        d.Progress,
		Status:          d.Status,
		Extra:           d.Extra,
	}
}

// Parse decodes a frame. It never fails: a frame that is not a JSON object
// becomes a content delta holding the frame text verbatim.
func Parse(frame string) Delta {
	trimmed := strings.TrimSpace(frame)
	if trimmed == DoneSentinel {
		return Delta{Kind: KindDone, Raw: frame}
	}
	if !gjson.Valid(trimmed) {
		return rawContent(frame)
	}
	obj := gjson.Parse(trimmed)
	if !obj.IsObject() {
		return rawContent(frame)
	}

	d := Delta{Raw: frame}
	obj.ForEach(func(key, value gjson.Result) bool {
		name := key.String()
		if value.Type == gjson.Null {
			return true
		}
		if _, known := knownKeys[name]; !known {
			if d.Extra == nil {
				d.Extra = make(map[string]json.RawMessage)
			}
			d.Extra[name] = json.RawMessage(value.Raw)
		}
		return true
	})

	d.Type = obj.Get("type").String()
	d.Content = contentOf(obj)
	d.ConversationID = idOf(obj.Get("conversation_id"))
	d.ConversationDescription = obj.Get("conversation_description").String()
	d.MessageID = idOf(obj.Get("message_id"))
	d.BotMessageID = idOf(obj.Get("bot_message_id"))
	d.UserMessageID = idOf(obj.Get("user_message_id"))
	d.Error = errorOf(obj.Get("error"))

	if v := obj.Get(domain.FieldProgress); v.Exists() {
		d.Progress = domain.ProgressFromResult(v)
	}
	if v := obj.Get(domain.FieldFollowUpActions); v.IsArray() {
		d.FollowUpActions = domain.StringsFromResult(v)
	}
	if v := obj.Get(domain.FieldImageData); v.Exists() && v.Type != gjson.Null {
		d.ImageData = json.RawMessage(v.Raw)
	}
	if v := obj.Get(domain.FieldStatus); v.Type == gjson.String {
		s := v.String()
		d.Status = &s
	}

	switch {
	case d.Error != "":
		d.Kind = KindError
	case d.Content != "":
		d.Kind = KindContent
	case d.Progress != nil:
		d.Kind = KindToolProgress
	case d.Status != nil:
		d.Kind = KindStatus
	default:
		d.Kind = KindFinalize
	}
	return d
}

func rawContent(frame string) Delta {
	return Delta{Kind: KindContent, Raw: frame, Content: frame}
}

// contentOf prefers "response" over "content".
func contentOf(obj gjson.Result) string {
	if v := obj.Get("response"); v.Type == gjson.String && v.Str != "" {
		return v.Str
	}
	if v := obj.Get("content"); v.Type == gjson.String {
		return v.Str
	}
	return ""
}

// idOf accepts ids sent as strings or numbers.
func idOf(v gjson.Result) string {
	switch v.Type {
	case gjson.String, gjson.Number:
		return v.String()
	default:
		return ""
	}
}

// errorOf reads an error sent as a string or as {"message": ...}. False and
// empty values mean no error.
func errorOf(v gjson.Result) string {
	switch {
	case !v.Exists(), v.Type == gjson.Null, v.Type == gjson.False:
		return ""
	case v.Type == gjson.String:
		return v.Str
	case v.IsObject():
		if msg := v.Get("message").String(); msg != "" {
			return msg
		}
		if msg := v.Get("detail").String(); msg != "" {
			return msg
		}
		return unknownServerError
	default:
		return unknownServerError
	}
}
