package controllers

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/killallgit/chatline/pkg/chat"
	"github.com/killallgit/chatline/pkg/logger"
	"github.com/killallgit/chatline/pkg/stream"
	"github.com/killallgit/chatline/pkg/stream/core"
)

var (
	// ErrNoSession is returned by Send when no conversation id is available
	ErrNoSession = errors.New("No session ID provided")
	// ErrSendFailed is recorded when the transport could not be opened
	ErrSendFailed = errors.New("Failed to send message. Please try again.")
	// ErrStreamFailed is recorded when an open stream breaks or the backend reports an error
	ErrStreamFailed = errors.New("Streaming connection failed")
)

// StreamOptions tunes a StreamController
type StreamOptions struct {
	// DefaultSessionID is the current session until Send or a history load sets another
	DefaultSessionID string
	// ApplyFinalText makes a non-empty message event replace the streamed text.
	// The text is always used when no tokens arrived.
	ApplyFinalText bool
	// Decoder overrides the frame decoder, mainly for deterministic keys in tests
	Decoder *stream.Decoder
}

// StreamController drives one conversation view: it owns at most one open
// subscription and turns its frames into transcript mutations.
//
// Transcript observers run while the controller lock is held and must not
// call back into the controller.
type StreamController struct {
	mu sync.Mutex

	transport  stream.Transport
	transcript *chat.Transcript
	correlator *chat.Correlator
	decoder    *stream.Decoder
	tracker    *core.Tracker
	opts       StreamOptions

	sub        stream.Subscription
	cancelOpen context.CancelFunc
	gen        uint64
	streamID  string
	state     core.State
	loading   bool
	err       error
	sessionID string
	done      chan struct{}

	log *logger.ComponentLogger
}

// NewStreamController creates a controller that writes into transcript
func NewStreamController(transport stream.Transport, transcript *chat.Transcript, opts StreamOptions) *StreamController {
	decoder := opts.Decoder
	if decoder == nil {
		decoder = &stream.Decoder{}
	}

	done := make(chan struct{})
	close(done)

	return &StreamController{
		transport:  transport,
		transcript: transcript,
		correlator: chat.NewCorrelator(),
		decoder:    decoder,
		tracker:    core.NewTracker(),
		opts:       opts,
		state:      core.StateIdle,
		sessionID:  opts.DefaultSessionID,
		done:       done,
		log:        logger.WithComponent("stream_controller"),
	}
}

// Send submits content to the conversation identified by sessionID, falling
// back to the current session. Any stream still open is closed first. The
// human message and an open assistant placeholder are appended before the
// transport is opened, so they stay in the transcript even when the stream fails.
func (c *StreamController) Send(ctx context.Context, content, sessionID string) error {
	c.mu.Lock()

	c.closeSubLocked()
	if c.state == core.StateStreaming {
		c.log.Debug("superseding open stream", "stream_id", c.streamID)
		c.transitionLocked(core.StateIdle, nil)
	}
	gen := c.gen
	streamID := chat.NewID()
	c.streamID = streamID
	c.done = make(chan struct{})
	c.err = nil

	if sessionID == "" {
		sessionID = c.sessionID
	}
	c.tracker.StartStream(streamID, sessionID)

	if sessionID == "" {
		c.log.Warn("send rejected", "error", ErrNoSession)
		c.failLocked(ErrNoSession)
		c.mu.Unlock()
		return ErrNoSession
	}

	c.sessionID = sessionID
	c.state = core.StateStreaming
	c.loading = true
	c.correlator.Reset()
	c.transcript.Append(chat.NewHumanMessage(content))
	c.transcript.Append(chat.NewAssistantPlaceholder())

	// the subscription outlives ctx, but ctx and Close may still abort the open
	openCtx, cancelOpen := context.WithCancel(context.WithoutCancel(ctx))
	stopOpen := context.AfterFunc(ctx, cancelOpen)
	c.cancelOpen = cancelOpen
	c.mu.Unlock()

	c.log.Debug("opening stream", "stream_id", streamID, "session_id", sessionID)
	sub, err := c.transport.Open(openCtx, stream.Request{Message: content, ThreadID: sessionID})
	interrupted := !stopOpen()

	c.mu.Lock()
	defer c.mu.Unlock()

	if gen != c.gen {
		// closed or replaced while connecting
		cancelOpen()
		if sub != nil {
			sub.Close()
		}
		c.log.Debug("stream superseded while opening", "stream_id", streamID)
		return nil
	}

	if interrupted {
		if sub != nil {
			sub.Close()
		}
		err = ctx.Err()
	}
	if err != nil {
		c.log.Error("failed to open stream", "stream_id", streamID, "error", err)
		c.failLocked(ErrSendFailed)
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	c.sub = sub
	handler := c.frameHandler(gen, streamID)
	for _, name := range stream.Names {
		sub.Subscribe(name, handler)
	}
	sub.OnError(c.errorHandler(gen, streamID))
	sub.Start()
	return nil
}

// Close tears down the active subscription. A stream that was still running
// goes back to idle with its partial content kept. Safe to call repeatedly.
func (c *StreamController) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeSubLocked()
	c.loading = false
	if c.state == core.StateStreaming {
		c.transitionLocked(core.StateIdle, nil)
	}
}

// Clear closes any stream and empties the transcript
func (c *StreamController) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeSubLocked()
	c.loading = false
	c.err = nil
	c.correlator.Reset()
	c.idleLocked()
	c.transcript.Clear()
}

// Wait blocks until the current stream is no longer streaming and returns its state
func (c *StreamController) Wait(ctx context.Context) (core.State, error) {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	select {
	case <-done:
		return c.State(), nil
	case <-ctx.Done():
		return c.State(), ctx.Err()
	}
}

// State returns the controller's stream state
func (c *StreamController) State() core.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Loading reports whether a response is still streaming in
func (c *StreamController) Loading() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loading
}

// Err returns the error of the last stream, or nil
func (c *StreamController) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// SessionID returns the current conversation id
func (c *StreamController) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Transcript returns the store the controller writes into
func (c *StreamController) Transcript() *chat.Transcript {
	return c.transcript
}

// PendingCalls returns the number of tool calls still waiting for a result
func (c *StreamController) PendingCalls() int {
	return c.correlator.Len()
}

// Streams returns every stream started by this controller, oldest first
func (c *StreamController) Streams() []core.StreamInfo {
	return c.tracker.Streams()
}

// reset prepares the controller for a transcript loaded from history
func (c *StreamController) reset(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeSubLocked()
	c.loading = false
	c.err = nil
	c.correlator.Reset()
	c.idleLocked()
	if sessionID != "" {
		c.sessionID = sessionID
	}
}

func (c *StreamController) frameHandler(gen uint64, streamID string) stream.FrameHandler {
	return func(f stream.Frame) {
		c.mu.Lock()
		defer c.mu.Unlock()

		if gen != c.gen {
			c.log.Debug("dropping frame from closed stream", "event", f.Name, "stream_id", streamID)
			return
		}
		c.tracker.CountFrame(streamID)

		ev, err := c.decoder.Decode(f)
		if err != nil {
			c.log.Debug("malformed payload", "event", f.Name, "error", err)
		}

		switch e := ev.(type) {
		case stream.TokenEvent:
			if !c.transcript.AppendTokenToOpenAssistant(e.Text) {
				c.log.Debug("token without open assistant message", "stream_id", streamID)
			}
		case stream.ToolCallEvent:
			c.onToolCall(e)
		case stream.ToolResultEvent:
			c.onToolResult(e)
		case stream.MessageEvent:
			if e.Text != "" && (c.opts.ApplyFinalText || !c.hasStreamedText()) {
				c.transcript.SetOpenAssistantContent(e.Text)
			}
			c.finishLocked()
		case stream.DoneEvent:
			c.finishLocked()
		case stream.ErrorEvent:
			c.log.Error("backend reported an error", "stream_id", streamID, "message", e.Message)
			c.failLocked(fmt.Errorf("%w: %s", ErrStreamFailed, e.Message))
		default:
			c.log.Debug("ignoring event", "event", f.Name)
		}
	}
}

func (c *StreamController) errorHandler(gen uint64, streamID string) stream.ErrorHandler {
	return func(err error) {
		c.mu.Lock()
		defer c.mu.Unlock()

		if gen != c.gen {
			return
		}
		c.log.Error("stream failed", "stream_id", streamID, "error", err)
		c.failLocked(ErrStreamFailed)
	}
}

func (c *StreamController) onToolCall(e stream.ToolCallEvent) {
	content := fmt.Sprintf("▶️ %s called with %s", e.ToolName, chat.CompactJSON(e.Args))
	if e.Undecoded() {
		content = "▶️ tool called: " + e.Raw
	}

	msg := chat.NewToolStarted(content, chat.ToolCall{
		Name:   e.ToolName,
		CallID: e.CallID,
		Key:    e.Key,
		Args:   e.Args,
		Raw:    e.Raw,
	})
	if open, ok := c.transcript.OpenAssistant(); ok {
		msg.AssistantID = open.ID
	}

	id := c.transcript.Append(msg)
	c.correlator.Register(e.Key, id)
	c.log.Debug("tool call started", "tool", e.ToolName, "key", e.Key, "message_id", id)
}

func (c *StreamController) onToolResult(e stream.ToolResultEvent) {
	if !e.Undecoded() {
		name := ""
		if e.NameSent {
			name = e.ToolName
		}

		if id, key, ok := c.correlator.Resolve(e.CallID, name); ok {
			c.correlator.Release(key)
			patched := c.transcript.PatchByID(id, chat.Patch{
				Content: chat.String(chat.PrettyJSON(e.Result)),
				Final:   chat.Bool(true),
				Tool:    &chat.ToolPatch{Name: name, Result: e.Result, Phase: chat.PhaseFinished},
			})
			if patched {
				c.log.Debug("tool call finished", "key", key, "message_id", id)
				return
			}
			c.log.Warn("tool message could not take the result", "key", key, "message_id", id)
		}
	}

	content := fmt.Sprintf("◀️ %s result: %s", e.ToolName, chat.PrettyJSON(e.Result))
	if e.Undecoded() {
		content = "◀️ tool result: " + e.Raw
	}

	msg := chat.NewToolFinished(content, chat.ToolCall{
		Name:   e.ToolName,
		CallID: e.CallID,
		Key:    e.Key,
		Result: e.Result,
		Raw:    e.Raw,
	})
	if open, ok := c.transcript.OpenAssistant(); ok {
		msg.AssistantID = open.ID
	}
	c.transcript.Append(msg)
	c.log.Debug("unmatched tool result", "tool", e.ToolName, "key", e.Key)
}

// hasStreamedText reports whether the open assistant message received any tokens
func (c *StreamController) hasStreamedText() bool {
	open, ok := c.transcript.OpenAssistant()
	return ok && open.Content != ""
}

// finishLocked ends the stream successfully
func (c *StreamController) finishLocked() {
	c.transcript.FinalizeOpenAssistant()
	c.loading = false
	c.closeSubLocked()
	c.transitionLocked(core.StateClosedOK, nil)
}

// failLocked ends the stream with err. The open assistant message is left as is.
func (c *StreamController) failLocked(err error) {
	c.closeSubLocked()
	c.err = err
	c.loading = false
	c.transitionLocked(core.StateClosedError, err)
}

// closeSubLocked closes the subscription and invalidates its handlers
func (c *StreamController) closeSubLocked() {
	c.gen++
	if c.cancelOpen != nil {
		c.cancelOpen()
		c.cancelOpen = nil
	}
	if c.sub == nil {
		return
	}
	if err := c.sub.Close(); err != nil {
		c.log.Debug("closing subscription", "error", err)
	}
	c.sub = nil
}

// idleLocked returns to idle. Only a running stream is recorded as interrupted.
func (c *StreamController) idleLocked() {
	if c.state == core.StateStreaming {
		c.transitionLocked(core.StateIdle, nil)
		return
	}
	c.state = core.StateIdle
}

func (c *StreamController) transitionLocked(state core.State, err error) {
	if c.streamID != "" {
		if terr := c.tracker.Transition(c.streamID, state, err); terr != nil {
			c.log.Debug("state tracker", "error", terr)
		}
	}
	c.state = state
	select {
	case <-c.done:
	default:
		if state != core.StateStreaming {
			close(c.done)
		}
	}
}
