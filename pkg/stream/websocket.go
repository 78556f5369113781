package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/killallgit/chatline/pkg/config"
	"github.com/killallgit/chatline/pkg/logger"
)

// WSRequest is the first message a client sends on the chat socket
type WSRequest struct {
	Message  string `json:"message"`
	ThreadID string `json:"thread_id"`
}

// WSFrame is one event on the chat socket. Data is either a JSON string holding
// the payload text or any JSON value, which is used verbatim.
type WSFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewWSFrame wraps a frame for sending over a socket
func NewWSFrame(f Frame) WSFrame {
	data, _ := json.Marshal(f.Data)
	return WSFrame{Event: f.Name, Data: data}
}

// Frame converts a socket frame back into a transport frame
func (w WSFrame) Frame() Frame {
	raw := bytes.TrimSpace(w.Data)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Frame{Name: w.Event}
	}
	var s string
	if raw[0] == '"' && json.Unmarshal(raw, &s) == nil {
		return Frame{Name: w.Event, Data: s}
	}
	return Frame{Name: w.Event, Data: string(raw)}
}

// WebSocketTransport streams a turn over a WebSocket at {ws_path}
type WebSocketTransport struct {
	server config.ServerConfig
	dialer *websocket.Dialer
	log    *logger.ComponentLogger
}

var _ Transport = (*WebSocketTransport)(nil)

// NewWebSocketTransport creates a WebSocket transport; a nil dialer uses websocket.DefaultDialer
func NewWebSocketTransport(server config.ServerConfig, dialer *websocket.Dialer) *WebSocketTransport {
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	return &WebSocketTransport{
		server: server,
		dialer: dialer,
		log:    logger.WithComponent("ws_transport"),
	}
}

// Open dials the socket and sends the request. Delivery begins on Start.
func (t *WebSocketTransport) Open(ctx context.Context, req Request) (Subscription, error) {
	endpoint := toWebSocketURL(t.server.Endpoint(t.server.WSPath))

	t.log.Debug("dialing", "url", endpoint, "thread_id", req.ThreadID)
	conn, _, err := t.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	if err := conn.WriteJSON(WSRequest{Message: req.Message, ThreadID: req.ThreadID}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send chat request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	closer := &wsCloser{conn: conn}
	go func() {
		<-ctx.Done()
		closer.Close()
	}()

	next := func() (Frame, error) {
		var frame WSFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return Frame{}, io.EOF
			}
			return Frame{}, fmt.Errorf("read websocket frame: %w", err)
		}
		return frame.Frame(), nil
	}

	return newFrameSubscription(cancel, next, closer, t.log.With("thread_id", req.ThreadID)), nil
}

// wsCloser sends a close message once and then closes the connection
type wsCloser struct {
	once sync.Once
	conn *websocket.Conn
	err  error
}

func (c *wsCloser) Close() error {
	c.once.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.err = c.conn.Close()
	})
	return c.err
}

func toWebSocketURL(u string) string {
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	default:
		return u
	}
}
