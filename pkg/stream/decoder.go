package stream

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// UnknownTool names tool events that arrive without a tool_name
const UnknownTool = "unknown_tool"

// Decoder turns frames into events. It never fails hard: when a payload cannot
// be parsed it returns a best-effort event together with a *DecodeError.
type Decoder struct {
	// NewKey generates correlation keys for tool events that carry neither a
	// call id nor a tool name. Defaults to random UUIDs.
	NewKey func() string
}

var defaultDecoder = &Decoder{}

// Decode decodes f with the default decoder
func Decode(f Frame) (Event, error) {
	return defaultDecoder.Decode(f)
}

// Decode classifies f and parses its payload
func (d *Decoder) Decode(f Frame) (Event, error) {
	switch f.Name {
	case EventToken:
		return d.decodeToken(f)
	case EventToolCall:
		return d.decodeToolCall(f)
	case EventToolResult:
		return d.decodeToolResult(f)
	case EventMessage:
		return d.decodeMessage(f)
	case EventDone:
		return DoneEvent{}, nil
	case EventError:
		return d.decodeError(f)
	default:
		return UnknownEvent{Frame: f}, nil
	}
}

func (d *Decoder) newKey() string {
	if d.NewKey != nil {
		return d.NewKey()
	}
	return uuid.NewString()
}

func (d *Decoder) decodeToken(f Frame) (Event, error) {
	v, err := parsePayload(f.Data)
	if err != nil {
		return TokenEvent{Text: f.Data}, &DecodeError{Event: f.Name, Data: f.Data, Err: err}
	}
	if obj, ok := v.(map[string]any); ok {
		return TokenEvent{Text: textField(obj, "text")}, nil
	}
	return TokenEvent{Text: scalarText(v)}, nil
}

func (d *Decoder) decodeMessage(f Frame) (Event, error) {
	v, err := parsePayload(f.Data)
	if err != nil {
		return MessageEvent{Text: f.Data}, &DecodeError{Event: f.Name, Data: f.Data, Err: err}
	}
	if obj, ok := v.(map[string]any); ok {
		return MessageEvent{Text: textField(obj, "text")}, nil
	}
	return MessageEvent{Text: scalarText(v)}, nil
}

func (d *Decoder) decodeError(f Frame) (Event, error) {
	v, err := parsePayload(f.Data)
	if err != nil {
		return ErrorEvent{Message: f.Data}, &DecodeError{Event: f.Name, Data: f.Data, Err: err}
	}
	if obj, ok := v.(map[string]any); ok {
		for _, k := range []string{"message", "detail", "error", "text"} {
			if s := textField(obj, k); s != "" {
				return ErrorEvent{Message: s}, nil
			}
		}
		return ErrorEvent{Message: f.Data}, nil
	}
	return ErrorEvent{Message: scalarText(v)}, nil
}

func (d *Decoder) decodeToolCall(f Frame) (Event, error) {
	obj, err := parseObject(f.Data)
	if err != nil {
		return ToolCallEvent{
			ToolName: UnknownTool,
			Key:      d.newKey(),
			Raw:      rawOrPlaceholder(f.Data),
		}, &DecodeError{Event: f.Name, Data: f.Data, Err: err}
	}

	callID := textField(obj, "call_id")
	name := textField(obj, "tool_name")

	ev := ToolCallEvent{
		CallID:   callID,
		ToolName: name,
		Key:      firstNonEmpty(callID, name),
		Args:     obj["args"],
	}
	if ev.Key == "" {
		ev.Key = d.newKey()
	}
	if ev.ToolName == "" {
		ev.ToolName = UnknownTool
	}
	if ev.Args == nil {
		ev.Args = map[string]any{}
	}
	return ev, nil
}

func (d *Decoder) decodeToolResult(f Frame) (Event, error) {
	obj, err := parseObject(f.Data)
	if err != nil {
		return ToolResultEvent{
			ToolName: UnknownTool,
			Key:      d.newKey(),
			Raw:      rawOrPlaceholder(f.Data),
		}, &DecodeError{Event: f.Name, Data: f.Data, Err: err}
	}

	callID := textField(obj, "call_id")
	name := textField(obj, "tool_name")

	ev := ToolResultEvent{
		CallID:   callID,
		ToolName: name,
		NameSent: name != "",
		Key:      firstNonEmpty(callID, name),
	}
	if ev.Key == "" {
		ev.Key = d.newKey()
	}
	if ev.ToolName == "" {
		ev.ToolName = UnknownTool
	}

	switch {
	case obj["result"] != nil:
		ev.Result = obj["result"]
	case obj["output"] != nil:
		ev.Result = obj["output"]
	default:
		ev.Result = obj
	}
	if s, ok := ev.Result.(string); ok {
		ev.Result = parseEmbeddedJSON(s)
	}
	return ev, nil
}

func parsePayload(data string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return nil, err
	}
	return v, nil
}

func parseObject(data string) (map[string]any, error) {
	v, err := parsePayload(data)
	if err != nil {
		return nil, err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected a JSON object, got %T", v)
	}
	return obj, nil
}

// parseEmbeddedJSON decodes a string result that itself holds a JSON object or array
func parseEmbeddedJSON(s string) any {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return s
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return s
	}
	return v
}

func textField(obj map[string]any, key string) string {
	return scalarText(obj[key])
}

func scalarText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64, bool:
		return fmt.Sprint(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

func rawOrPlaceholder(data string) string {
	if data == "" {
		return "<empty>"
	}
	return data
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
