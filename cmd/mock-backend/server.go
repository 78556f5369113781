package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/killallgit/chatline/pkg/chat"
	"github.com/killallgit/chatline/pkg/stream"
)

// thread is one stored conversation
type thread struct {
	id      string
	title   string
	records []chat.HistoryRecord
}

// backend is an in-memory chat server that replies with a scripted stream
type backend struct {
	mu      sync.Mutex
	threads map[string]*thread
	order   []string
	delay   time.Duration

	upgrader websocket.Upgrader
}

func newBackend(delay time.Duration) *backend {
	return &backend{
		threads: make(map[string]*thread),
		delay:   delay,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (b *backend) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/stream-chat", b.handleStream)
	r.Get("/ws-chat", b.handleSocket)
	r.Get("/sessions", b.handleSessions)
	r.Get("/chathistory/{threadID}", b.handleHistory)
	return r
}

// turn is the scripted reply to one message
type turn struct {
	frames []stream.Frame
	tool   *chat.HistoryRecord
	reply  string
}

// script builds the reply to message. A message of the form "/name rest"
// makes the reply call tool name with {"query": rest} first.
func script(message string) turn {
	var t turn

	if name, query, ok := toolRequest(message); ok {
		callID := "call_" + uuid.NewString()[:8]
		args := map[string]any{"query": query}
		result := map[string]any{"tool": name, "matches": len(strings.Fields(query)), "top": query}

		t.frames = append(t.frames,
			jsonFrame(stream.EventToolCall, map[string]any{"call_id": callID, "tool_name": name, "args": args}),
			jsonFrame(stream.EventToolResult, map[string]any{"call_id": callID, "tool_name": name, "result": result}),
		)

		stored, _ := json.Marshal(map[string]any{"call_id": callID, "tool_name": name, "args": args, "result": result})
		t.tool = &chat.HistoryRecord{Role: string(chat.RoleTool), Name: name, Content: doubleBraces(string(stored))}
		message = query
	}

	t.reply = "You said: " + message
	for _, word := range strings.SplitAfter(t.reply, " ") {
		t.frames = append(t.frames, jsonFrame(stream.EventToken, map[string]string{"text": word}))
	}
	t.frames = append(t.frames, stream.Frame{Name: stream.EventDone, Data: "{}"})
	return t
}

func toolRequest(message string) (name, query string, ok bool) {
	if !strings.HasPrefix(message, "/") {
		return "", "", false
	}
	name, query, _ = strings.Cut(strings.TrimPrefix(message, "/"), " ")
	if name == "" {
		return "", "", false
	}
	return name, strings.TrimSpace(query), true
}

// doubleBraces mimics the persistence layer that escapes braces by doubling them
func doubleBraces(s string) string {
	return strings.NewReplacer("{", "{{", "}", "}}").Replace(s)
}

func jsonFrame(name string, payload any) stream.Frame {
	data, _ := json.Marshal(payload)
	return stream.Frame{Name: name, Data: string(data)}
}

// record stores the finished turn under threadID
func (b *backend) record(threadID, message string, t turn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	th, ok := b.threads[threadID]
	if !ok {
		th = &thread{id: threadID, title: chat.Truncate(message, 40)}
		b.threads[threadID] = th
		b.order = append(b.order, threadID)
	}
	th.records = append(th.records, chat.HistoryRecord{Role: string(chat.RoleHuman), Content: message})
	if t.tool != nil {
		th.records = append(th.records, *t.tool)
	}
	th.records = append(th.records, chat.HistoryRecord{Role: string(chat.RoleAssistant), Content: t.reply})
}

// play sends frames through send, pausing between them, until ctx ends
func (b *backend) play(ctx context.Context, frames []stream.Frame, send func(stream.Frame) error) error {
	for _, f := range frames {
		if b.delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(b.delay):
			}
		}
		if err := send(f); err != nil {
			return err
		}
	}
	return nil
}

func (b *backend) handleStream(w http.ResponseWriter, r *http.Request) {
	message := r.URL.Query().Get("message")
	threadID := r.URL.Query().Get("thread_id")
	if message == "" || threadID == "" {
		http.Error(w, "message and thread_id are required", http.StatusBadRequest)
		return
	}

	stream.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	// reconnect hint and a comment so proxies flush the headers
	if _, err := w.Write([]byte("retry: 1000\n\n: connected\n\n")); err != nil {
		return
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	t := script(message)
	err := b.play(r.Context(), t.frames, func(f stream.Frame) error {
		return stream.WriteSSE(w, f)
	})
	if err != nil {
		log.Printf("stream %s aborted: %v", threadID, err)
		return
	}
	b.record(threadID, message, t)
}

func (b *backend) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	var req stream.WSRequest
	if err := conn.ReadJSON(&req); err != nil {
		log.Printf("invalid chat request: %v", err)
		return
	}
	if req.Message == "" || req.ThreadID == "" {
		conn.WriteJSON(stream.NewWSFrame(jsonFrame(stream.EventError, map[string]string{"message": "message and thread_id are required"})))
		return
	}

	// the client closes the socket once it sees done
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	t := script(req.Message)
	err = b.play(ctx, t.frames, func(f stream.Frame) error {
		return conn.WriteJSON(stream.NewWSFrame(f))
	})
	if err != nil {
		log.Printf("socket %s aborted: %v", req.ThreadID, err)
		return
	}
	b.record(req.ThreadID, req.Message, t)
	<-ctx.Done()
}

func (b *backend) handleSessions(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	sessions := make([]chat.Session, 0, len(b.order))
	for i := len(b.order) - 1; i >= 0; i-- {
		th := b.threads[b.order[i]]
		sessions = append(sessions, chat.Session{ThreadID: th.id, Title: th.title})
	}
	b.mu.Unlock()

	writeJSON(w, http.StatusOK, sessions)
}

func (b *backend) handleHistory(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")

	b.mu.Lock()
	th, ok := b.threads[threadID]
	var session chat.HistorySession
	if ok {
		session = chat.HistorySession{
			ThreadID: th.id,
			Title:    th.title,
			Messages: append([]chat.HistoryRecord(nil), th.records...),
		}
	}
	b.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "thread not found"})
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}
