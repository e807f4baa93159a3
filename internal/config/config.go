// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string
	LogLevel    slog.Level

	Backend  BackendConfig
	Stream   StreamConfig
	Persist  PersistConfig
	SendRate RateConfig

	ConversationLog ConversationLogConfig
}

// BackendConfig points at the assistant backend.
type BackendConfig struct {
	URL   string
	Token string
}

// StreamConfig tunes chat streaming.
type StreamConfig struct {
	MaxFrameBytes  int
	SaveTimeout    time.Duration
	OutboxInterval time.Duration
}

// PersistConfig tunes local snapshots.
type PersistConfig struct {
	SnapshotDebounce time.Duration
	FetchedTTL       time.Duration
}

// RateConfig bounds how often a conversation may send.
type RateConfig struct {
	Limit  int
	Window time.Duration
}

// ConversationLogConfig controls NDJSON transcript logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Option adjusts a loaded Config before validation, e.g. from CLI flags.
type Option func(*Config)

// WithPort overrides PORT when port is non-empty.
func WithPort(port string) Option {
	return func(c *Config) {
		if port != "" {
			c.Port = port
		}
	}
}

// WithBackendURL overrides BACKEND_URL when u is non-empty.
func WithBackendURL(u string) Option {
	return func(c *Config) {
		if u != "" {
			c.Backend.URL = u
		}
	}
}

// Load reads configuration from environment variables, applies opts and
// validates the result.
func Load(opts ...Option) (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/assistant.db"),
		LogLevel:    parseLevel(getEnv("LOG_LEVEL", "info")),
		Backend: BackendConfig{
			URL:   strings.TrimSuffix(getEnv("BACKEND_URL", ""), "/"),
			Token: getEnv("BACKEND_TOKEN", ""),
		},
		Stream: StreamConfig{
			MaxFrameBytes:  getEnvInt("STREAM_MAX_FRAME_BYTES", 1<<20),
			SaveTimeout:    getEnvDuration("SAVE_TIMEOUT", 10*time.Second),
			OutboxInterval: getEnvDuration("OUTBOX_INTERVAL", 30*time.Second),
		},
		Persist: PersistConfig{
			SnapshotDebounce: getEnvDuration("SNAPSHOT_DEBOUNCE", 500*time.Millisecond),
			FetchedTTL:       getEnvDuration("FETCHED_TTL", 7*24*time.Hour),
		},
		SendRate: RateConfig{
			Limit:  getEnvInt("SEND_RATE_LIMIT", 20),
			Window: getEnvDuration("SEND_RATE_WINDOW", time.Minute),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	for _, opt := range opts {
		opt(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.Backend.URL == "" {
		return fmt.Errorf("BACKEND_URL is required")
	}
	if u, err := url.Parse(c.Backend.URL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("BACKEND_URL must be an absolute URL, got %q", c.Backend.URL)
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Stream.MaxFrameBytes < 4096 {
		return fmt.Errorf("STREAM_MAX_FRAME_BYTES must be >= 4096")
	}
	if c.Stream.SaveTimeout <= 0 {
		return fmt.Errorf("SAVE_TIMEOUT must be > 0")
	}
	if c.Stream.OutboxInterval <= 0 {
		return fmt.Errorf("OUTBOX_INTERVAL must be > 0")
	}
	if c.SendRate.Limit <= 0 || c.SendRate.Window <= 0 {
		return fmt.Errorf("SEND_RATE_LIMIT and SEND_RATE_WINDOW must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	return nil
}

// AllowedOrigins returns the CORS origins for the local API.
func (c *Config) AllowedOrigins() []string {
	if c.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{strings.TrimSuffix(c.FrontendURL, "/")}
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
