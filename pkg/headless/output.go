package headless

import (
	"fmt"
	"io"

	"github.com/killallgit/chatline/pkg/logger"
	"github.com/killallgit/chatline/pkg/render"
)

// Output handles error output for headless mode
type Output struct {
	w         io.Writer
	formatter *render.Formatter
}

// NewOutput creates an output handler writing to w
func NewOutput(w io.Writer, formatter *render.Formatter) *Output {
	return &Output{w: w, formatter: formatter}
}

// Error prints err for the user and records it in the log
func (o *Output) Error(err error) {
	if err == nil {
		return
	}
	logger.Debug("headless error: %v", err)
	fmt.Fprintln(o.w, o.formatter.Error(err.Error()))
}
