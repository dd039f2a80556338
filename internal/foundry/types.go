package foundry

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// RunStatus is the lifecycle state the remote service reports for a run.
type RunStatus string

const (
	RunQueued     RunStatus = "queued"
	RunInProgress RunStatus = "in_progress"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
	RunCancelled  RunStatus = "cancelled"
)

// IsTerminal reports whether no further transition can happen.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	default:
		return false
	}
}

// IsPending reports whether the run is still being processed.
func (s RunStatus) IsPending() bool {
	return s == RunQueued || s == RunInProgress
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Thread struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"created_at,omitempty"`
}

type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Run struct {
	ID          string    `json:"id"`
	ThreadID    string    `json:"thread_id,omitempty"`
	AssistantID string    `json:"assistant_id,omitempty"`
	Status      RunStatus `json:"status"`
	LastError   *RunError `json:"last_error,omitempty"`
	CreatedAt   int64     `json:"created_at,omitempty"`
}

// ContentPart is one typed piece of a message body.
type ContentPart struct {
	Type string
	Text string
}

// ThreadMessage is a message as listed on a remote thread. A zero CreatedAt
// means the remote did not date the message.
type ThreadMessage struct {
	ID        string
	ThreadID  string
	RunID     string
	Role      string
	Parts     []ContentPart
	CreatedAt time.Time
}

// Text joins the text parts of the message with a single space.
func (m ThreadMessage) Text() string {
	texts := make([]string, 0, len(m.Parts))
	for _, p := range m.Parts {
		if p.Type != "text" || p.Text == "" {
			continue
		}
		texts = append(texts, p.Text)
	}
	return strings.Join(texts, " ")
}

// TextMessage builds a message with a single text part.
func TextMessage(role, text string) ThreadMessage {
	return ThreadMessage{Role: role, Parts: []ContentPart{{Type: "text", Text: text}}}
}

var errNotMessageList = errors.New("response is not a message list")

// ParseMessages accepts either a {"data": [...]} envelope or a bare array.
func ParseMessages(body []byte) ([]ThreadMessage, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("parse messages: %w", errNotMessageList)
	}
	root := gjson.ParseBytes(body)
	list := root
	if data := root.Get("data"); data.IsArray() {
		list = data
	}
	if !list.IsArray() {
		return nil, fmt.Errorf("parse messages: %w", errNotMessageList)
	}
	items := list.Array()
	out := make([]ThreadMessage, 0, len(items))
	for _, item := range items {
		out = append(out, parseMessage(item))
	}
	return out, nil
}

// ParseMessage decodes a single message object.
func ParseMessage(body []byte) (*ThreadMessage, error) {
	if !gjson.ValidBytes(body) {
		return nil, errors.New("parse message: invalid json")
	}
	msg := parseMessage(gjson.ParseBytes(body))
	return &msg, nil
}

func parseMessage(v gjson.Result) ThreadMessage {
	return ThreadMessage{
		ID:        v.Get("id").String(),
		ThreadID:  v.Get("thread_id").String(),
		RunID:     v.Get("run_id").String(),
		Role:      v.Get("role").String(),
		Parts:     parseContent(v.Get("content")),
		CreatedAt: parseTimestamp(v.Get("created_at")),
	}
}

func parseContent(content gjson.Result) []ContentPart {
	switch {
	case content.Type == gjson.String:
		return []ContentPart{{Type: "text", Text: content.String()}}
	case content.IsArray():
		var parts []ContentPart
		content.ForEach(func(_, part gjson.Result) bool {
			if part.Type == gjson.String {
				parts = append(parts, ContentPart{Type: "text", Text: part.String()})
				return true
			}
			p := ContentPart{Type: part.Get("type").String()}
			if text := part.Get("text"); text.IsObject() {
				p.Text = text.Get("value").String()
			} else {
				p.Text = text.String()
			}
			parts = append(parts, p)
			return true
		})
		return parts
	default:
		return nil
	}
}

// parseTimestamp accepts unix seconds, unix milliseconds, or RFC 3339.
func parseTimestamp(v gjson.Result) time.Time {
	switch v.Type {
	case gjson.Number:
		n := v.Int()
		if n <= 0 {
			return time.Time{}
		}
		if n > 1e12 {
			return time.UnixMilli(n).UTC()
		}
		return time.Unix(n, 0).UTC()
	case gjson.String:
		if t, err := time.Parse(time.RFC3339Nano, v.String()); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
