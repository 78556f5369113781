package chat

import (
	"github.com/google/uuid"
)

// Role identifies who produced a message
type Role string

const (
	RoleHuman     Role = "human"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Phase is the lifecycle stage of a tool call
type Phase string

const (
	PhaseStarted  Phase = "started"
	PhaseFinished Phase = "finished"
)

// Message is one transcript entry. The concrete types are HumanMessage,
// AssistantMessage and ToolMessage; the set is closed.
type Message interface {
	MessageID() string
	MessageRole() Role
	Body() string
	IsFinal() bool

	clone() Message
}

// HumanMessage is user input. It is final from creation.
type HumanMessage struct {
	ID      string
	Content string
}

// AssistantMessage is model output. It is open (Final false) while tokens stream in.
type AssistantMessage struct {
	ID      string
	Content string
	Final   bool
}

// ToolCall is the structured payload carried by a tool message
type ToolCall struct {
	Name   string
	CallID string // server call id, empty when the server sent none
	Key    string // correlation key used to match the result
	Args   any
	Result any
	Phase  Phase

	// Raw holds undecodable payload text
	Raw string
	// FromServer marks tool messages rebuilt from persisted history
	FromServer bool
}

// ToolMessage shows a tool invocation and, once finished, its result
type ToolMessage struct {
	ID      string
	Content string
	Final   bool
	Call    ToolCall

	// AssistantID links the tool message to the assistant turn that was open
	// when the call started. Used for render-time ordering only.
	AssistantID string
}

var (
	_ Message = (*HumanMessage)(nil)
	_ Message = (*AssistantMessage)(nil)
	_ Message = (*ToolMessage)(nil)
)

// NewID returns a fresh client-side message identifier
func NewID() string {
	return uuid.NewString()
}

// NewHumanMessage creates a final human message with a fresh id
func NewHumanMessage(content string) *HumanMessage {
	return &HumanMessage{ID: NewID(), Content: content}
}

// NewAssistantPlaceholder creates an empty open assistant message
func NewAssistantPlaceholder() *AssistantMessage {
	return &AssistantMessage{ID: NewID()}
}

// NewAssistantMessage creates a finalized assistant message
func NewAssistantMessage(content string) *AssistantMessage {
	return &AssistantMessage{ID: NewID(), Content: content, Final: true}
}

// NewToolStarted creates a tool message in the started phase
func NewToolStarted(content string, call ToolCall) *ToolMessage {
	call.Phase = PhaseStarted
	return &ToolMessage{ID: NewID(), Content: content, Call: call}
}

// NewToolFinished creates a standalone tool message already in the finished phase
func NewToolFinished(content string, call ToolCall) *ToolMessage {
	call.Phase = PhaseFinished
	return &ToolMessage{ID: NewID(), Content: content, Final: true, Call: call}
}

func (m *HumanMessage) MessageID() string { return m.ID }
func (m *HumanMessage) MessageRole() Role { return RoleHuman }
func (m *HumanMessage) Body() string      { return m.Content }
func (m *HumanMessage) IsFinal() bool     { return true }
func (m *HumanMessage) clone() Message    { c := *m; return &c }

func (m *AssistantMessage) MessageID() string { return m.ID }
func (m *AssistantMessage) MessageRole() Role { return RoleAssistant }
func (m *AssistantMessage) Body() string      { return m.Content }
func (m *AssistantMessage) IsFinal() bool     { return m.Final }
func (m *AssistantMessage) clone() Message    { c := *m; return &c }

func (m *ToolMessage) MessageID() string { return m.ID }
func (m *ToolMessage) MessageRole() Role { return RoleTool }
func (m *ToolMessage) Body() string      { return m.Content }
func (m *ToolMessage) IsFinal() bool     { return m.Final }
func (m *ToolMessage) clone() Message {
	c := *m
	c.Call.Args = cloneValue(m.Call.Args)
	c.Call.Result = cloneValue(m.Call.Result)
	return &c
}

// IsOpenAssistant reports whether m is an assistant message still receiving tokens
func IsOpenAssistant(m Message) bool {
	a, ok := m.(*AssistantMessage)
	return ok && !a.Final
}

// Clone returns a deep copy of m
func Clone(m Message) Message {
	if m == nil {
		return nil
	}
	return m.clone()
}

// cloneValue deep-copies decoded JSON values (maps, slices, scalars)
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}
