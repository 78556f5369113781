package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Stream  StreamConfig  `mapstructure:"stream"`
	Session SessionConfig `mapstructure:"session"`
	Logging LoggingConfig `mapstructure:"logging"`
	Render  RenderConfig  `mapstructure:"render"`
}

// ServerConfig holds the chat backend endpoints
type ServerConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	StreamPath   string        `mapstructure:"stream_path"`
	HistoryPath  string        `mapstructure:"history_path"`
	SessionsPath string        `mapstructure:"sessions_path"`
	WSPath       string        `mapstructure:"ws_path"`
	Timeout      time.Duration `mapstructure:"-"`
	TimeoutStr   string        `mapstructure:"timeout"` // For parsing string duration
}

// StreamConfig holds streaming behaviour settings
type StreamConfig struct {
	Transport      string `mapstructure:"transport"` // sse or websocket
	ApplyFinalText bool   `mapstructure:"apply_final_text"`
}

// SessionConfig holds the conversation identifier used when none is given
type SessionConfig struct {
	DefaultID string `mapstructure:"default_id"`
}

// LoggingConfig holds logging-related configuration
type LoggingConfig struct {
	LogFile  string `mapstructure:"log_file"`
	Preserve bool   `mapstructure:"preserve"`
	Level    string `mapstructure:"level"`
}

// RenderConfig holds terminal rendering settings
type RenderConfig struct {
	Style     string `mapstructure:"style"`
	Formatter string `mapstructure:"formatter"`
}

const (
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
)

// Global config instance
var cfg *Config

// Get returns the global config instance
func Get() *Config {
	if cfg == nil {
		panic("config not initialized")
	}
	return cfg
}

// IsLoaded reports whether Load has completed successfully
func IsLoaded() bool {
	return cfg != nil
}

// Load loads configuration from file and environment
func Load(cfgFile string) (*Config, error) {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}

		xdgConfigHome := os.Getenv("XDG_CONFIG_HOME")
		if xdgConfigHome == "" {
			xdgConfigHome = filepath.Join(home, ".config")
		}

		viper.AddConfigPath("./" + settingsDirName)                  // Check project directory first
		viper.AddConfigPath(filepath.Join(xdgConfigHome, "chatline")) // Then check XDG config location
		viper.SetConfigType("yaml")
		viper.SetConfigName("settings")
	}

	viper.AutomaticEnv()
	bindEnvironmentVariables()

	// A missing settings file is fine, defaults and env still apply
	if err := viper.ReadInConfig(); err != nil {
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && (cfgFile == "" || fileExists(cfgFile)) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	loaded := &Config{}
	if err := viper.Unmarshal(loaded); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Post-process durations (viper doesn't handle time.Duration directly)
	if err := processDurations(loaded); err != nil {
		return nil, fmt.Errorf("failed to process durations: %w", err)
	}

	if err := validate(loaded); err != nil {
		return nil, err
	}

	cfg = loaded
	return cfg, nil
}

// setDefaults sets all default configuration values
func setDefaults() {
	viper.SetDefault("server.base_url", "http://localhost:8000")
	viper.SetDefault("server.stream_path", "/stream-chat")
	viper.SetDefault("server.history_path", "/chathistory")
	viper.SetDefault("server.sessions_path", "/sessions")
	viper.SetDefault("server.ws_path", "/ws-chat")
	viper.SetDefault("server.timeout", "60s")

	viper.SetDefault("stream.transport", TransportSSE)
	viper.SetDefault("stream.apply_final_text", false)

	viper.SetDefault("session.default_id", "")

	viper.SetDefault("logging.log_file", "./"+settingsDirName+"/system.log")
	viper.SetDefault("logging.preserve", false)
	viper.SetDefault("logging.level", "info")

	viper.SetDefault("render.style", "monokai")
	viper.SetDefault("render.formatter", "terminal16m")
}

// bindEnvironmentVariables binds CHATLINE_ prefixed environment variables to Viper keys
func bindEnvironmentVariables() {
	viper.BindEnv("server.base_url", "CHATLINE_SERVER_URL")
	viper.BindEnv("server.timeout", "CHATLINE_SERVER_TIMEOUT")
	viper.BindEnv("stream.transport", "CHATLINE_TRANSPORT")
	viper.BindEnv("stream.apply_final_text", "CHATLINE_APPLY_FINAL_TEXT")
	viper.BindEnv("session.default_id", "CHATLINE_SESSION")
	viper.BindEnv("logging.log_file", "CHATLINE_LOG_FILE")
	viper.BindEnv("logging.level", "CHATLINE_LOG_LEVEL")
	viper.BindEnv("logging.preserve", "CHATLINE_LOG_PRESERVE")
	viper.BindEnv("render.style", "CHATLINE_RENDER_STYLE")
}

// processDurations converts string durations to time.Duration
func processDurations(c *Config) error {
	if c.Server.TimeoutStr != "" {
		d, err := time.ParseDuration(c.Server.TimeoutStr)
		if err != nil {
			return fmt.Errorf("invalid server.timeout: %w", err)
		}
		c.Server.Timeout = d
	}

	return nil
}

func validate(c *Config) error {
	switch c.Stream.Transport {
	case TransportSSE, TransportWebSocket:
	default:
		return fmt.Errorf("invalid stream.transport %q: expected %q or %q", c.Stream.Transport, TransportSSE, TransportWebSocket)
	}
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url must not be empty")
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
