package chat

import (
	"sync"

	"github.com/killallgit/chatline/pkg/logger"
)

// Patch holds the fields merged into a message by PatchByID. Nil fields are left untouched.
type Patch struct {
	Content *string
	Final   *bool
	Tool    *ToolPatch // ignored for non-tool messages
}

// ToolPatch updates the tool payload of a ToolMessage
type ToolPatch struct {
	Name   string // empty keeps the current name
	Result any
	Phase  Phase
}

// String returns a pointer to s, for building patches
func String(s string) *string { return &s }

// Bool returns a pointer to b, for building patches
func Bool(b bool) *bool { return &b }

// Observer receives a snapshot of the transcript after every mutation
type Observer func(messages []Message)

// Transcript is the ordered message sequence of one conversation view
type Transcript struct {
	mu        sync.RWMutex
	messages  []Message
	index     map[string]int
	observers map[int]Observer
	nextObs   int
	log       *logger.ComponentLogger
}

// NewTranscript creates an empty transcript
func NewTranscript() *Transcript {
	return &Transcript{
		index:     make(map[string]int),
		observers: make(map[int]Observer),
		log:       logger.WithComponent("transcript"),
	}
}

// Subscribe registers an observer and returns a function that removes it
func (t *Transcript) Subscribe(fn Observer) func() {
	t.mu.Lock()
	id := t.nextObs
	t.nextObs++
	t.observers[id] = fn
	t.mu.Unlock()

	return func() {
		t.mu.Lock()
		delete(t.observers, id)
		t.mu.Unlock()
	}
}

// Append adds msg to the end of the transcript. Appending an open assistant
// message finalizes any assistant message that is still open. A message whose
// id is empty or already taken gets a fresh id; the stored id is returned.
func (t *Transcript) Append(msg Message) string {
	if msg == nil {
		return ""
	}

	var id string
	t.mutate(func() bool {
		msg = msg.clone()
		if IsOpenAssistant(msg) {
			if i := t.openAssistantLocked(); i >= 0 {
				t.log.Warn("finalizing stale open assistant", "id", t.messages[i].MessageID())
				t.messages[i].(*AssistantMessage).Final = true
			}
		}

		if id := msg.MessageID(); id == "" || t.has(id) {
			fresh := NewID()
			if id != "" {
				t.log.Warn("duplicate message id", "id", id, "replacement", fresh)
			}
			setID(msg, fresh)
		}

		id = msg.MessageID()
		t.index[id] = len(t.messages)
		t.messages = append(t.messages, msg)
		return true
	})
	return id
}

// AppendTokenToOpenAssistant concatenates text onto the most recent open
// assistant message. It reports false, changing nothing, when no message is open.
func (t *Transcript) AppendTokenToOpenAssistant(text string) bool {
	var applied bool
	t.mutate(func() bool {
		i := t.openAssistantLocked()
		if i < 0 {
			return false
		}
		t.messages[i].(*AssistantMessage).Content += text
		applied = true
		return true
	})
	return applied
}

// SetOpenAssistantContent replaces the content of the open assistant message.
// Without an open message, a finalized assistant message carrying text is appended.
func (t *Transcript) SetOpenAssistantContent(text string) {
	t.mutate(func() bool {
		if i := t.openAssistantLocked(); i >= 0 {
			t.messages[i].(*AssistantMessage).Content = text
			return true
		}

		msg := NewAssistantMessage(text)
		t.index[msg.ID] = len(t.messages)
		t.messages = append(t.messages, msg)
		return true
	})
}

// PatchByID merges p into the message with the given id. It reports false when
// the id is unknown or when the patch would move a finished tool call again.
func (t *Transcript) PatchByID(id string, p Patch) bool {
	var applied bool
	t.mutate(func() bool {
		i, ok := t.index[id]
		if !ok {
			return false
		}
		applied = t.applyLocked(i, p)
		return applied
	})
	return applied
}

func (t *Transcript) applyLocked(i int, p Patch) bool {
	switch m := t.messages[i].(type) {
	case *HumanMessage:
		if p.Content != nil {
			m.Content = *p.Content
			return true
		}
		return false

	case *AssistantMessage:
		if p.Final != nil && !*p.Final && m.Final {
			// Reopening would allow two open assistant messages
			if open := t.openAssistantLocked(); open >= 0 && open != i {
				return false
			}
		}
		if p.Content != nil {
			m.Content = *p.Content
		}
		if p.Final != nil {
			m.Final = *p.Final
		}
		return p.Content != nil || p.Final != nil

	case *ToolMessage:
		if p.Tool != nil {
			if m.Call.Phase == PhaseFinished {
				return false
			}
			if p.Tool.Name != "" {
				m.Call.Name = p.Tool.Name
			}
			if p.Tool.Result != nil {
				m.Call.Result = p.Tool.Result
			}
			if p.Tool.Phase != "" {
				m.Call.Phase = p.Tool.Phase
			}
		}
		if p.Content != nil {
			m.Content = *p.Content
		}
		if p.Final != nil {
			m.Final = *p.Final
		}
		return p.Tool != nil || p.Content != nil || p.Final != nil
	}
	return false
}

// FinalizeOpenAssistant closes the most recent open assistant message.
// Calling it with nothing open is a no-op.
func (t *Transcript) FinalizeOpenAssistant() bool {
	var applied bool
	t.mutate(func() bool {
		i := t.openAssistantLocked()
		if i < 0 {
			return false
		}
		t.messages[i].(*AssistantMessage).Final = true
		applied = true
		return true
	})
	return applied
}

// Replace swaps the whole transcript for messages. Only the last open assistant
// message in the input stays open; ids are made unique as in Append.
func (t *Transcript) Replace(messages []Message) {
	t.mutate(func() bool {
		t.messages = make([]Message, 0, len(messages))
		t.index = make(map[string]int, len(messages))

		lastOpen := -1
		for i, m := range messages {
			if IsOpenAssistant(m) {
				lastOpen = i
			}
		}

		for i, m := range messages {
			if m == nil {
				continue
			}
			c := m.clone()
			if a, ok := c.(*AssistantMessage); ok && !a.Final && i != lastOpen {
				a.Final = true
			}
			if id := c.MessageID(); id == "" || t.has(id) {
				setID(c, NewID())
			}
			t.index[c.MessageID()] = len(t.messages)
			t.messages = append(t.messages, c)
		}
		return true
	})
}

// Clear removes every message
func (t *Transcript) Clear() {
	t.Replace(nil)
}

// Messages returns a deep copy of the transcript in append order
func (t *Transcript) Messages() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked()
}

// Get returns a copy of the message with the given id
func (t *Transcript) Get(id string) (Message, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, ok := t.index[id]
	if !ok {
		return nil, false
	}
	return t.messages[i].clone(), true
}

// OpenAssistant returns a copy of the open assistant message, if any
func (t *Transcript) OpenAssistant() (*AssistantMessage, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i := t.openAssistantLocked()
	if i < 0 {
		return nil, false
	}
	return t.messages[i].clone().(*AssistantMessage), true
}

// Len returns the number of messages
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// mutate runs fn under the write lock and notifies observers when fn reports a change
func (t *Transcript) mutate(fn func() bool) {
	t.mu.Lock()
	changed := fn()
	var (
		snapshot  []Message
		observers []Observer
	)
	if changed && len(t.observers) > 0 {
		snapshot = t.snapshotLocked()
		observers = make([]Observer, 0, len(t.observers))
		for _, o := range t.observers {
			observers = append(observers, o)
		}
	}
	t.mu.Unlock()

	for _, o := range observers {
		o(snapshot)
	}
}

func (t *Transcript) snapshotLocked() []Message {
	out := make([]Message, len(t.messages))
	for i, m := range t.messages {
		out[i] = m.clone()
	}
	return out
}

// openAssistantLocked scans backward so the most recent open message wins
func (t *Transcript) openAssistantLocked() int {
	for i := len(t.messages) - 1; i >= 0; i-- {
		if IsOpenAssistant(t.messages[i]) {
			return i
		}
	}
	return -1
}

func (t *Transcript) has(id string) bool {
	_, ok := t.index[id]
	return ok
}

func setID(m Message, id string) {
	switch v := m.(type) {
	case *HumanMessage:
		v.ID = id
	case *AssistantMessage:
		v.ID = id
	case *ToolMessage:
		v.ID = id
	}
}
