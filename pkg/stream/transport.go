package stream

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/killallgit/chatline/pkg/logger"
)

// ErrStreamEnded is reported when the server closes the stream before the
// client closed its subscription.
var ErrStreamEnded = errors.New("stream ended unexpectedly")

// Request opens one conversation turn
type Request struct {
	Message  string
	ThreadID string
}

// FrameHandler receives frames for one event name
type FrameHandler func(Frame)

// ErrorHandler receives transport failures
type ErrorHandler func(error)

// Subscription is an open event stream. Handlers are registered with Subscribe
// and OnError, then Start begins delivery. Frames are delivered one at a time in
// arrival order. Once Close has been called no further frames or errors are
// delivered.
type Subscription interface {
	Subscribe(event string, fn FrameHandler)
	OnError(fn ErrorHandler)
	Start()
	Close() error
}

// Transport opens subscriptions against a chat backend
type Transport interface {
	Open(ctx context.Context, req Request) (Subscription, error)
}

// frameSource yields frames until an error; io.EOF means the peer ended the stream
type frameSource func() (Frame, error)

// frameSubscription is the Subscription shared by the network transports. A
// single goroutine reads frames and calls handlers.
type frameSubscription struct {
	mu       sync.Mutex
	handlers map[string][]FrameHandler
	onError  []ErrorHandler
	closed   bool
	started  bool

	next   frameSource
	closer io.Closer
	cancel context.CancelFunc
	done   chan struct{}
	log    *logger.ComponentLogger
}

func newFrameSubscription(cancel context.CancelFunc, next frameSource, closer io.Closer, log *logger.ComponentLogger) *frameSubscription {
	return &frameSubscription{
		handlers: make(map[string][]FrameHandler),
		next:     next,
		closer:   closer,
		cancel:   cancel,
		done:     make(chan struct{}),
		log:      log,
	}
}

func (s *frameSubscription) Subscribe(event string, fn FrameHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[event] = append(s.handlers[event], fn)
}

func (s *frameSubscription) OnError(fn ErrorHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = append(s.onError, fn)
}

func (s *frameSubscription) Start() {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	go s.run()
}

// Done is closed once the reader goroutine has exited
func (s *frameSubscription) Done() <-chan struct{} {
	return s.done
}

func (s *frameSubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	s.cancel()
	err := s.closer.Close()
	if !started {
		close(s.done)
	}
	return err
}

func (s *frameSubscription) run() {
	defer close(s.done)

	for {
		frame, err := s.next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrStreamEnded
			}
			s.fail(err)
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		handlers := append([]FrameHandler(nil), s.handlers[frame.Name]...)
		s.mu.Unlock()

		if len(handlers) == 0 {
			s.log.Debug("no handler for frame", "event", frame.Name)
			continue
		}
		for _, h := range handlers {
			h(frame)
		}
	}
}

func (s *frameSubscription) fail(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	handlers := append([]ErrorHandler(nil), s.onError...)
	s.mu.Unlock()

	s.log.Warn("stream failed", "error", err)
	for _, h := range handlers {
		h(err)
	}
}
