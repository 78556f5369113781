package controllers

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/killallgit/chatline/pkg/chat"
	"github.com/killallgit/chatline/pkg/logger"
)

// HistoryController loads persisted conversations into a stream controller's transcript
type HistoryController struct {
	client  chat.HistoryClient
	streams *StreamController
}

func NewHistoryController(client chat.HistoryClient, streams *StreamController) *HistoryController {
	return &HistoryController{
		client:  client,
		streams: streams,
	}
}

// Load fetches a conversation, normalizes it and replaces the transcript. Any
// open stream is closed and pending tool calls are forgotten.
func (hc *HistoryController) Load(ctx context.Context, sessionID string) (*chat.HistorySession, error) {
	log := logger.WithComponent("history_controller")
	if sessionID == "" {
		return nil, ErrNoSession
	}

	log.Debug("loading history", "session_id", sessionID)
	session, err := hc.client.History(ctx, sessionID)
	if err != nil {
		log.Error("history fetch failed", "session_id", sessionID, "error", err)
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	messages := chat.Normalize(session.Messages)
	hc.streams.reset(sessionID)
	hc.streams.Transcript().Replace(messages)

	log.Debug("history loaded", "session_id", sessionID, "message_count", len(messages))
	return session, nil
}

// Sessions lists the conversations known to the backend
func (hc *HistoryController) Sessions(ctx context.Context) ([]chat.Session, error) {
	log := logger.WithComponent("history_controller")
	log.Debug("listing sessions")

	sessions, err := hc.client.Sessions(ctx)
	if err != nil {
		log.Error("session listing failed", "error", err)
		return nil, err
	}

	log.Debug("sessions listed", "session_count", len(sessions))
	return sessions, nil
}

// ListSessions writes the session table to writer
func (hc *HistoryController) ListSessions(ctx context.Context, writer io.Writer) error {
	sessions, err := hc.client.Sessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	if len(sessions) == 0 {
		fmt.Fprintln(writer, "No sessions found")
		return nil
	}

	w := tabwriter.NewWriter(writer, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "THREAD ID\tTITLE")
	for _, s := range sessions {
		title := s.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Fprintf(w, "%s\t%s\n", s.ThreadID, title)
	}
	return w.Flush()
}
