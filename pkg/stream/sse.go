package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/killallgit/chatline/pkg/config"
	"github.com/killallgit/chatline/pkg/logger"
)

const maxSSELine = 1024 * 1024

// SSEReader parses a text/event-stream body into frames. Comment lines are
// skipped and multi-line data is joined with newlines. A named event with no
// data lines is still delivered so payload-less markers like done get through.
// Unnamed frames are called "message".
type SSEReader struct {
	scanner     *bufio.Scanner
	LastEventID string
	Retry       time.Duration
}

// NewSSEReader wraps r
func NewSSEReader(r io.Reader) *SSEReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)
	return &SSEReader{scanner: scanner}
}

// Next returns the next frame, or io.EOF once the body is exhausted
func (r *SSEReader) Next() (Frame, error) {
	var (
		name string
		data strings.Builder
		seen bool
	)

	for r.scanner.Scan() {
		line := strings.TrimSuffix(r.scanner.Text(), "\r")

		if line == "" {
			if !seen && name == "" {
				continue
			}
			if name == "" {
				name = EventMessage
			}
			return Frame{Name: name, Data: strings.TrimSuffix(data.String(), "\n")}, nil
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			name = value
		case "data":
			data.WriteString(value)
			data.WriteString("\n")
			seen = true
		case "id":
			r.LastEventID = value
		case "retry":
			if ms, err := strconv.Atoi(value); err == nil {
				r.Retry = time.Duration(ms) * time.Millisecond
			}
		}
	}

	if err := r.scanner.Err(); err != nil {
		return Frame{}, fmt.Errorf("read event stream: %w", err)
	}
	return Frame{}, io.EOF
}

// WriteSSE writes f in event-stream framing and flushes when w supports it
func WriteSSE(w io.Writer, f Frame) error {
	var b strings.Builder
	if f.Name != "" {
		fmt.Fprintf(&b, "event: %s\n", f.Name)
	}
	for _, line := range strings.Split(f.Data, "\n") {
		fmt.Fprintf(&b, "data: %s\n", line)
	}
	b.WriteString("\n")

	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("write sse frame: %w", err)
	}
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
	return nil
}

// SetupSSEHeaders sets the response headers of an event stream
func SetupSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
}

// SSETransport streams a turn from GET {stream_path}?message=...&thread_id=...
type SSETransport struct {
	server     config.ServerConfig
	httpClient *http.Client
	log        *logger.ComponentLogger
}

var _ Transport = (*SSETransport)(nil)

// NewSSETransport creates an SSE transport. The HTTP client must not set a
// total timeout since streams stay open for the whole turn.
func NewSSETransport(server config.ServerConfig, httpClient *http.Client) *SSETransport {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &SSETransport{
		server:     server,
		httpClient: httpClient,
		log:        logger.WithComponent("sse_transport"),
	}
}

// Open connects and returns a subscription. Delivery begins on Start.
func (t *SSETransport) Open(ctx context.Context, req Request) (Subscription, error) {
	query := url.Values{}
	query.Set("message", req.Message)
	query.Set("thread_id", req.ThreadID)
	endpoint := t.server.Endpoint(t.server.StreamPath) + "?" + query.Encode()

	ctx, cancel := context.WithCancel(ctx)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create stream request: %w", err)
	}
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Cache-Control", "no-cache")

	t.log.Debug("opening stream", "thread_id", req.ThreadID)
	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stream request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("stream request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	reader := NewSSEReader(resp.Body)
	log := t.log.With("thread_id", req.ThreadID)
	return newFrameSubscription(cancel, reader.endOfStream, resp.Body, log), nil
}

// endOfStream is Next with an early end reported as ErrStreamEnded carrying
// the resume hints the server sent
func (r *SSEReader) endOfStream() (Frame, error) {
	f, err := r.Next()
	if errors.Is(err, io.EOF) && (r.LastEventID != "" || r.Retry > 0) {
		return f, fmt.Errorf("%w (last event id %q, server retry %s)", ErrStreamEnded, r.LastEventID, r.Retry)
	}
	return f, err
}
