package core

import (
	"fmt"
	"sync"
	"time"
)

// State represents the current state of a stream
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateClosedOK
	StateClosedError
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateClosedOK:
		return "closed(ok)"
	case StateClosedError:
		return "closed(error)"
	default:
		return "unknown"
	}
}

// Closed reports whether s is a terminal state
func (s State) Closed() bool {
	return s == StateClosedOK || s == StateClosedError
}

// CanTransition reports whether moving from s to next is allowed. Any state may
// start a new stream or fail a precondition; only a streaming state may close.
func (s State) CanTransition(next State) bool {
	switch next {
	case StateStreaming, StateClosedError:
		return true
	case StateClosedOK:
		return s == StateStreaming || s == StateClosedOK
	case StateIdle:
		return true
	default:
		return false
	}
}

// StreamInfo holds information about a stream
type StreamInfo struct {
	ID        string
	SessionID string
	State     State
	StartTime time.Time
	EndTime   time.Time
	Error     error
	Frames    int
}

// Duration returns how long the stream ran, or has been running
func (i StreamInfo) Duration() time.Duration {
	if i.EndTime.IsZero() {
		return time.Since(i.StartTime)
	}
	return i.EndTime.Sub(i.StartTime)
}

// Tracker tracks the state of streams by id
type Tracker struct {
	states map[string]*StreamInfo
	order  []string
	mu     sync.RWMutex
}

// NewTracker creates a new state tracker
func NewTracker() *Tracker {
	return &Tracker{
		states: make(map[string]*StreamInfo),
	}
}

// StartStream marks a stream as started
func (t *Tracker) StartStream(streamID, sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.states[streamID]; !exists {
		t.order = append(t.order, streamID)
	}
	t.states[streamID] = &StreamInfo{
		ID:        streamID,
		SessionID: sessionID,
		State:     StateStreaming,
		StartTime: time.Now(),
	}
}

// Transition moves a stream to state, rejecting transitions CanTransition forbids
func (t *Tracker) Transition(streamID string, state State, err error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, exists := t.states[streamID]
	if !exists {
		return fmt.Errorf("unknown stream %s", streamID)
	}
	if !info.State.CanTransition(state) {
		return fmt.Errorf("stream %s: invalid transition %s -> %s", streamID, info.State, state)
	}

	info.State = state
	if err != nil {
		info.Error = err
	}
	if state.Closed() && info.EndTime.IsZero() {
		info.EndTime = time.Now()
	}
	return nil
}

// CountFrame records one delivered frame
func (t *Tracker) CountFrame(streamID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if info, exists := t.states[streamID]; exists {
		info.Frames++
	}
}

// GetState returns the current state of a stream
func (t *Tracker) GetState(streamID string) (State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if info, exists := t.states[streamID]; exists {
		return info.State, true
	}
	return StateIdle, false
}

// GetStreamInfo returns a copy of everything known about a stream
func (t *Tracker) GetStreamInfo(streamID string) (*StreamInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	info, exists := t.states[streamID]
	if !exists {
		return nil, false
	}

	copy := *info
	return &copy, true
}

// Streams returns copies of all tracked streams in start order
func (t *Tracker) Streams() []StreamInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]StreamInfo, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.states[id])
	}
	return out
}

// Cleanup removes closed streams that ended more than olderThan ago
func (t *Tracker) Cleanup(olderThan time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	kept := t.order[:0]
	for _, id := range t.order {
		info := t.states[id]
		if info.State.Closed() && now.Sub(info.EndTime) > olderThan {
			delete(t.states, id)
			continue
		}
		kept = append(kept, id)
	}
	t.order = kept
}
