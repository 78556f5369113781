package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// HistoryRecord is one persisted turn as returned by the backend
type HistoryRecord struct {
	MongoID string `json:"_id,omitempty"`
	ID      string `json:"id,omitempty"`
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// UnmarshalJSON accepts non-string content and ids, keeping their raw JSON text
func (r *HistoryRecord) UnmarshalJSON(data []byte) error {
	var raw struct {
		MongoID json.RawMessage `json:"_id"`
		ID      json.RawMessage `json:"id"`
		Role    json.RawMessage `json:"role"`
		Content json.RawMessage `json:"content"`
		Name    json.RawMessage `json:"name"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid history record: %w", err)
	}

	r.MongoID = looseID(raw.MongoID)
	r.ID = looseID(raw.ID)
	r.Role = looseString(raw.Role)
	r.Content = looseString(raw.Content)
	r.Name = looseString(raw.Name)
	return nil
}

// Session is one conversation listed by the backend
type Session struct {
	ThreadID string `json:"thread_id"`
	Title    string `json:"title"`
}

// HistorySession is a persisted conversation with its records
type HistorySession struct {
	ThreadID string          `json:"thread_id"`
	Title    string          `json:"title"`
	Messages []HistoryRecord `json:"messages"`
}

// Normalize converts persisted records into transcript messages, keeping the
// server order. Every result is final. Records without an id get
// "<role initial>-<index>", so normalizing the same input twice is stable.
func Normalize(records []HistoryRecord) []Message {
	out := make([]Message, 0, len(records))
	for idx, rec := range records {
		out = append(out, normalizeRecord(idx, rec))
	}
	return out
}

func normalizeRecord(idx int, rec HistoryRecord) Message {
	role := strings.ToLower(strings.TrimSpace(rec.Role))
	id := rec.MongoID
	if id == "" {
		id = rec.ID
	}
	if id == "" {
		initial := "m"
		if role != "" {
			initial = string([]rune(role)[0])
		}
		id = fmt.Sprintf("%s-%d", initial, idx)
	}

	switch role {
	case string(RoleHuman):
		return &HumanMessage{ID: id, Content: rec.Content}
	case string(RoleTool):
		return normalizeTool(id, rec)
	default:
		return &AssistantMessage{ID: id, Content: rec.Content, Final: true}
	}
}

func normalizeTool(id string, rec HistoryRecord) *ToolMessage {
	recovered := RecoverPayload(rec.Content)
	msg := &ToolMessage{
		ID:    id,
		Final: true,
		Call: ToolCall{
			Name:       rec.Name,
			Phase:      PhaseFinished,
			FromServer: true,
		},
	}

	switch {
	case recovered.Structured():
		obj := recovered.Object
		args, _ := firstField(obj, "args", "input", "arguments")
		result, _ := firstField(obj, "result", "output", "content")
		msg.Call.Args = args
		msg.Call.Result = result
		msg.Call.CallID = stringField(obj, "call_id", "callId", "id")
		if name := stringField(obj, "tool_name", "name", "_tool"); name != "" {
			msg.Call.Name = name
		}

		preview := ToolPreview(obj)
		if preview == "" {
			if s, ok := result.(string); ok {
				preview = Truncate(s, MaxPreviewLength)
			}
		}
		msg.Content = firstNonEmpty(preview, rec.Content, msg.Call.Name, "tool")

	case recovered.Stage == StageResultField:
		msg.Call.Result = recovered.Result
		msg.Content = firstNonEmpty(ResultPreview(recovered.Result), rec.Content, "tool")
		msg.Call.Raw = rec.Content

	default:
		msg.Call.Raw = rec.Content
		msg.Content = firstNonEmpty(Truncate(rec.Content, MaxPreviewLength), "tool")
	}

	msg.Call.Key = msg.Call.CallID
	if msg.Call.Key == "" {
		msg.Call.Key = msg.Call.Name
	}
	return msg
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func looseString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// looseID reads string, numeric and {"$oid": "..."} identifiers
func looseID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' {
		var oid struct {
			OID string `json:"$oid"`
		}
		if err := json.Unmarshal(raw, &oid); err == nil && oid.OID != "" {
			return oid.OID
		}
	}
	return looseString(raw)
}
