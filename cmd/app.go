package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/killallgit/chatline/pkg/chat"
	"github.com/killallgit/chatline/pkg/config"
	"github.com/killallgit/chatline/pkg/controllers"
	"github.com/killallgit/chatline/pkg/logger"
	"github.com/killallgit/chatline/pkg/render"
)

const lastSessionFile = "last_session"

// App holds the components shared by the commands of one process
type App struct {
	Config     *config.Config
	Transcript *chat.Transcript
	Streams    *controllers.StreamController
	History    *controllers.HistoryController
	Formatter  *render.Formatter
}

// NewApp wires a transcript, its controllers and a formatter from cfg
func NewApp(cfg *config.Config) (*App, error) {
	log := logger.WithComponent("app")

	transcript := chat.NewTranscript()
	streams, err := controllers.NewStreamControllerFromConfig(cfg, transcript)
	if err != nil {
		return nil, fmt.Errorf("failed to create stream controller: %w", err)
	}

	log.Debug("app ready", "server", cfg.Server.BaseURL, "transport", cfg.Stream.Transport)
	return &App{
		Config:     cfg,
		Transcript: transcript,
		Streams:    streams,
		History:    controllers.NewHistoryControllerFromConfig(cfg, streams),
		Formatter:  render.NewFormatter(cfg.Render),
	}, nil
}

// Close tears down any open stream
func (a *App) Close() {
	a.Streams.Close()
}

// resolveSession picks the session for this run: an explicit id, the last
// used one when resuming, or a fresh one.
func resolveSession(explicit string, resume bool) (id string, fresh bool) {
	if explicit != "" {
		return explicit, false
	}
	if resume {
		if last := loadLastSession(); last != "" {
			return last, false
		}
	}
	return uuid.NewString(), true
}

func loadLastSession() string {
	id, err := config.ReadState(lastSessionFile)
	if err != nil {
		logger.Warn("Could not read last session: %v", err)
	}
	return id
}

func saveLastSession(id string) {
	if err := config.WriteState(lastSessionFile, id); err != nil {
		logger.Warn("Could not save last session: %v", err)
	}
}
