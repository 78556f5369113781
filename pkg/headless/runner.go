package headless

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/killallgit/chatline/pkg/controllers"
	"github.com/killallgit/chatline/pkg/logger"
	"github.com/killallgit/chatline/pkg/render"
	"github.com/killallgit/chatline/pkg/stream/core"
)

// runner sends prompts through a stream controller and prints the replies
type runner struct {
	streams   *controllers.StreamController
	formatter *render.Formatter
	out       io.Writer
	output    *Output
}

// newRunner creates a runner writing to out
func newRunner(streams *controllers.StreamController, formatter *render.Formatter, out io.Writer, output *Output) *runner {
	return &runner{
		streams:   streams,
		formatter: formatter,
		out:       out,
		output:    output,
	}
}

// run executes one turn and blocks until the stream closes or ctx ends
func (r *runner) run(ctx context.Context, prompt, sessionID string) error {
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("prompt cannot be empty in headless mode")
	}
	log := logger.WithComponent("headless")

	transcript := r.streams.Transcript()
	handler := newHeadlessStreamHandler(r.out, r.formatter, transcript.Messages())
	unsubscribe := transcript.Subscribe(handler.OnSnapshot)
	defer unsubscribe()

	log.Debug("sending prompt", "session_id", sessionID, "length", len(prompt))
	if err := r.streams.Send(ctx, prompt, sessionID); err != nil {
		r.output.Error(r.streams.Err())
		return err
	}

	state, err := r.streams.Wait(ctx)
	handler.OnComplete()
	if err != nil {
		r.streams.Close()
		return fmt.Errorf("response did not finish: %w", err)
	}

	switch state {
	case core.StateClosedOK:
		log.Debug("turn finished", "response_length", len(handler.Content()))
		return nil
	case core.StateClosedError:
		streamErr := r.streams.Err()
		r.output.Error(streamErr)
		if streamErr == nil {
			streamErr = errors.New("stream closed with an error")
		}
		return streamErr
	default:
		return fmt.Errorf("stream ended in state %s", state)
	}
}

// cleanup closes whatever stream is still open
func (r *runner) cleanup() {
	r.streams.Close()
}
