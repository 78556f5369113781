package stream

import "fmt"

// Event names sent by the backend
const (
	EventToken      = "token"
	EventToolCall   = "tool_call"
	EventToolResult = "tool_result"
	EventMessage    = "message"
	EventDone       = "done"
	EventError      = "error"
)

// Names lists the event names a subscriber normally listens for
var Names = []string{EventToken, EventToolCall, EventToolResult, EventMessage, EventDone, EventError}

// Frame is one named event as delivered by a transport
type Frame struct {
	Name string
	Data string
}

// Event is a decoded frame. The concrete types are TokenEvent, ToolCallEvent,
// ToolResultEvent, MessageEvent, DoneEvent, ErrorEvent and UnknownEvent.
type Event interface {
	Name() string
}

// TokenEvent carries an incremental piece of assistant text
type TokenEvent struct {
	Text string
}

// ToolCallEvent announces that a tool started running
type ToolCallEvent struct {
	CallID   string // empty when the server sent none
	ToolName string
	Key      string // call id, tool name or a generated id
	Args     any
	Raw      string // payload text when it could not be decoded
}

// ToolResultEvent carries a tool's output
type ToolResultEvent struct {
	CallID   string
	ToolName string
	NameSent bool // false when ToolName is the unknown_tool default
	Key      string
	Result   any
	Raw      string
}

// MessageEvent carries the final assistant text and ends the stream
type MessageEvent struct {
	Text string
}

// DoneEvent marks the end of the stream
type DoneEvent struct{}

// ErrorEvent is a failure reported by the backend inside the stream
type ErrorEvent struct {
	Message string
}

// UnknownEvent is any frame with an unrecognised name
type UnknownEvent struct {
	Frame Frame
}

func (TokenEvent) Name() string      { return EventToken }
func (ToolCallEvent) Name() string   { return EventToolCall }
func (ToolResultEvent) Name() string { return EventToolResult }
func (MessageEvent) Name() string    { return EventMessage }
func (DoneEvent) Name() string       { return EventDone }
func (ErrorEvent) Name() string      { return EventError }
func (e UnknownEvent) Name() string  { return e.Frame.Name }

// Undecoded reports whether the tool call payload could not be read
func (e ToolCallEvent) Undecoded() bool { return e.Raw != "" }

// Undecoded reports whether the tool result payload could not be read
func (e ToolResultEvent) Undecoded() bool { return e.Raw != "" }

// DecodeError describes a payload that could not be parsed. The event returned
// alongside it is still usable.
type DecodeError struct {
	Event string
	Data  string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s payload: %v", e.Event, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
