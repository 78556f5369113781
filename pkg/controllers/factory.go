package controllers

import (
	"fmt"

	"github.com/killallgit/chatline/pkg/chat"
	"github.com/killallgit/chatline/pkg/config"
	"github.com/killallgit/chatline/pkg/stream"
)

// NewTransport creates the transport selected by stream.transport
func NewTransport(cfg *config.Config) (stream.Transport, error) {
	switch cfg.Stream.Transport {
	case config.TransportSSE, "":
		return stream.NewSSETransport(cfg.Server, nil), nil
	case config.TransportWebSocket:
		return stream.NewWebSocketTransport(cfg.Server, nil), nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", cfg.Stream.Transport)
	}
}

// NewStreamControllerFromConfig creates a stream controller writing into
// transcript, using the configured transport and default session
func NewStreamControllerFromConfig(cfg *config.Config, transcript *chat.Transcript) (*StreamController, error) {
	transport, err := NewTransport(cfg)
	if err != nil {
		return nil, err
	}
	return NewStreamController(transport, transcript, StreamOptions{
		DefaultSessionID: cfg.Session.DefaultID,
		ApplyFinalText:   cfg.Stream.ApplyFinalText,
	}), nil
}

// NewHistoryControllerFromConfig creates a history controller backed by the
// configured server
func NewHistoryControllerFromConfig(cfg *config.Config, streams *StreamController) *HistoryController {
	return NewHistoryController(chat.NewClient(cfg.Server), streams)
}
