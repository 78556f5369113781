package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/killallgit/chatline/pkg/config"
	"github.com/killallgit/chatline/pkg/logger"
)

// StatusError is returned when the backend answers with a non-200 status
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("request to %s failed with status %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("request to %s failed with status %d: %s", e.URL, e.StatusCode, e.Body)
}

// HistoryClient reads persisted conversations from the backend
type HistoryClient interface {
	Sessions(ctx context.Context) ([]Session, error)
	History(ctx context.Context, threadID string) (*HistorySession, error)
}

// Client talks to the chat backend's read endpoints
type Client struct {
	server     config.ServerConfig
	httpClient *http.Client
	log        *logger.ComponentLogger
}

var _ HistoryClient = (*Client)(nil)

// NewClient creates a backend client for the given server settings
func NewClient(server config.ServerConfig) *Client {
	timeout := server.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		server: server,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: logger.WithComponent("backend_client"),
	}
}

// Sessions lists the conversations known to the backend
func (c *Client) Sessions(ctx context.Context) ([]Session, error) {
	var sessions []Session
	if err := c.getJSON(ctx, c.server.Endpoint(c.server.SessionsPath), &sessions); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// History fetches the persisted records of one conversation
func (c *Client) History(ctx context.Context, threadID string) (*HistorySession, error) {
	if threadID == "" {
		return nil, fmt.Errorf("thread id is required")
	}

	var session HistorySession
	if err := c.getJSON(ctx, c.server.Endpoint(c.server.HistoryPath, threadID), &session); err != nil {
		return nil, fmt.Errorf("failed to fetch conversation %s: %w", threadID, err)
	}
	if session.ThreadID == "" {
		session.ThreadID = threadID
	}
	return &session, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	c.log.Debug("GET", "url", url)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{URL: url, StatusCode: resp.StatusCode, Body: string(body)}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
