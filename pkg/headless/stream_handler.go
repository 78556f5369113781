package headless

import (
	"io"
	"strings"
	"sync"

	"github.com/killallgit/chatline/pkg/chat"
	"github.com/killallgit/chatline/pkg/render"
)

// headlessStreamHandler prints transcript changes as they happen. It is
// registered as a transcript observer and writes only what is new since the
// previous snapshot: assistant text as deltas, tool messages once per phase.
type headlessStreamHandler struct {
	mu        sync.Mutex
	out       io.Writer
	formatter *render.Formatter

	printed  map[string]string // assistant id -> text already written
	closed   map[string]bool   // assistant ids whose final newline is written
	phases   map[string]chat.Phase
	lastID   string
	midLine  bool
	assistID string // assistant of the running turn
}

// newHeadlessStreamHandler creates a handler that treats existing as already shown
func newHeadlessStreamHandler(out io.Writer, formatter *render.Formatter, existing []chat.Message) *headlessStreamHandler {
	h := &headlessStreamHandler{
		out:       out,
		formatter: formatter,
		printed:   make(map[string]string),
		closed:    make(map[string]bool),
		phases:    make(map[string]chat.Phase),
	}
	for _, m := range existing {
		switch v := m.(type) {
		case *chat.AssistantMessage:
			h.printed[v.ID] = v.Content
			h.closed[v.ID] = true
		case *chat.ToolMessage:
			h.phases[v.ID] = v.Call.Phase
		}
	}
	return h
}

// OnSnapshot is the transcript observer
func (h *headlessStreamHandler) OnSnapshot(messages []chat.Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, m := range messages {
		switch v := m.(type) {
		case *chat.AssistantMessage:
			h.assistant(v)
		case *chat.ToolMessage:
			h.tool(v)
		}
	}
}

// OnComplete ends the current line
func (h *headlessStreamHandler) OnComplete() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.endLine()
}

// Content returns the assistant text printed for the running turn
func (h *headlessStreamHandler) Content() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.printed[h.assistID]
}

func (h *headlessStreamHandler) assistant(m *chat.AssistantMessage) {
	if h.closed[m.ID] {
		return
	}
	if !m.Final {
		h.assistID = m.ID
	}

	prev, seen := h.printed[m.ID]
	if m.Content != prev {
		grew := seen && strings.HasPrefix(m.Content, prev)
		delta := m.Content
		if grew {
			delta = m.Content[len(prev):]
		}
		if !grew || h.lastID != m.ID {
			h.endLine()
			h.write(h.formatter.Label(m) + "\n")
		}
		h.write(delta)
		h.lastID = m.ID
	}
	h.printed[m.ID] = m.Content

	if m.Final {
		h.closed[m.ID] = true
		if h.lastID == m.ID {
			h.endLine()
		}
	}
}

func (h *headlessStreamHandler) tool(m *chat.ToolMessage) {
	if phase, seen := h.phases[m.ID]; seen && phase == m.Call.Phase {
		return
	}
	h.phases[m.ID] = m.Call.Phase

	h.endLine()
	h.write(h.formatter.Message(m) + "\n")
	h.lastID = m.ID
}

func (h *headlessStreamHandler) write(s string) {
	if s == "" {
		return
	}
	io.WriteString(h.out, s)
	h.midLine = !strings.HasSuffix(s, "\n")
}

func (h *headlessStreamHandler) endLine() {
	if h.midLine {
		io.WriteString(h.out, "\n")
		h.midLine = false
	}
}
