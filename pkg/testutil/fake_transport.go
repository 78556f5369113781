package testutil

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/killallgit/chatline/pkg/stream"
)

// FakeTransport implements stream.Transport for tests. Every Open returns a
// FakeSubscription that the test drives by hand.
type FakeTransport struct {
	mu       sync.Mutex
	openErr  error
	requests []stream.Request
	subs     []*FakeSubscription
	hold     chan struct{}
	pending  int
}

var _ stream.Transport = (*FakeTransport)(nil)

// NewFakeTransport creates a fake transport that opens successfully
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{}
}

// FailOpen makes every following Open return err. Pass nil to succeed again.
func (t *FakeTransport) FailOpen(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.openErr = err
}

// HoldOpen makes following Opens block until ReleaseOpen is called or their
// context ends, in which case Open returns the context error.
func (t *FakeTransport) HoldOpen() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hold == nil {
		t.hold = make(chan struct{})
	}
}

// ReleaseOpen lets every held Open continue
func (t *FakeTransport) ReleaseOpen() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.hold != nil {
		close(t.hold)
		t.hold = nil
	}
}

// PendingOpens returns how many Opens are currently held
func (t *FakeTransport) PendingOpens() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending
}

// Open records the request and returns a new subscription
func (t *FakeTransport) Open(ctx context.Context, req stream.Request) (stream.Subscription, error) {
	t.mu.Lock()
	t.requests = append(t.requests, req)
	hold := t.hold
	if hold != nil {
		t.pending++
		t.mu.Unlock()

		var err error
		select {
		case <-hold:
		case <-ctx.Done():
			err = ctx.Err()
		}

		t.mu.Lock()
		t.pending--
		if err != nil {
			t.mu.Unlock()
			return nil, err
		}
	}
	defer t.mu.Unlock()

	if t.openErr != nil {
		return nil, t.openErr
	}

	sub := &FakeSubscription{
		Request:  req,
		handlers: make(map[string][]stream.FrameHandler),
	}
	t.subs = append(t.subs, sub)
	return sub, nil
}

// Requests returns every request passed to Open, including failed ones
func (t *FakeTransport) Requests() []stream.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]stream.Request(nil), t.requests...)
}

// Subscriptions returns the subscriptions opened so far, oldest first
func (t *FakeTransport) Subscriptions() []*FakeSubscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*FakeSubscription(nil), t.subs...)
}

// Last returns the most recent subscription, or nil
func (t *FakeTransport) Last() *FakeSubscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.subs) == 0 {
		return nil
	}
	return t.subs[len(t.subs)-1]
}

// FakeSubscription delivers frames synchronously on the caller's goroutine.
// Emit keeps delivering after Close so tests can replay callbacks that were
// already in flight when the stream was torn down.
type FakeSubscription struct {
	Request stream.Request

	mu         sync.Mutex
	handlers   map[string][]stream.FrameHandler
	onError    []stream.ErrorHandler
	started    bool
	closeCount int
}

var _ stream.Subscription = (*FakeSubscription)(nil)

func (s *FakeSubscription) Subscribe(event string, fn stream.FrameHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = append(s.handlers[event], fn)
}

func (s *FakeSubscription) OnError(fn stream.ErrorHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = append(s.onError, fn)
}

func (s *FakeSubscription) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
}

func (s *FakeSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCount++
	return nil
}

// Emit delivers one frame to the handlers registered for name
func (s *FakeSubscription) Emit(name, data string) {
	s.mu.Lock()
	handlers := append([]stream.FrameHandler(nil), s.handlers[name]...)
	s.mu.Unlock()

	for _, h := range handlers {
		h(stream.Frame{Name: name, Data: data})
	}
}

// EmitJSON marshals payload and emits it under name
func (s *FakeSubscription) EmitJSON(name string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	s.Emit(name, string(data))
}

// Fail delivers err to the error handlers
func (s *FakeSubscription) Fail(err error) {
	s.mu.Lock()
	handlers := append([]stream.ErrorHandler(nil), s.onError...)
	s.mu.Unlock()

	for _, h := range handlers {
		h(err)
	}
}

// Started reports whether Start was called
func (s *FakeSubscription) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Closed reports whether Close was called at least once
func (s *FakeSubscription) Closed() bool {
	return s.CloseCount() > 0
}

// CloseCount returns how many times Close was called
func (s *FakeSubscription) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

// Handlers returns the number of frame handlers registered for name
func (s *FakeSubscription) Handlers(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers[name])
}
