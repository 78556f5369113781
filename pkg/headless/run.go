package headless

import (
	"context"
	"fmt"
	"io"

	"github.com/killallgit/chatline/pkg/controllers"
	"github.com/killallgit/chatline/pkg/render"
)

// Options configures a headless run
type Options struct {
	Out       io.Writer
	ErrOut    io.Writer
	Formatter *render.Formatter
}

// RunHeadless sends one prompt to sessionID and streams the reply to opts.Out.
// It returns once the stream has closed.
func RunHeadless(ctx context.Context, streams *controllers.StreamController, prompt, sessionID string, opts Options) error {
	if prompt == "" {
		return fmt.Errorf("prompt cannot be empty in headless mode")
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}
	if opts.ErrOut == nil {
		opts.ErrOut = opts.Out
	}
	if opts.Formatter == nil {
		opts.Formatter = render.NewPlainFormatter()
	}

	runner := newRunner(streams, opts.Formatter, opts.Out, NewOutput(opts.ErrOut, opts.Formatter))
	defer runner.cleanup()

	if err := runner.run(ctx, prompt, sessionID); err != nil {
		return fmt.Errorf("failed to execute prompt: %w", err)
	}
	return nil
}
