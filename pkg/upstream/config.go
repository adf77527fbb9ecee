package upstream

import (
	"log/slog"
	"time"
)

// Defaults for the OpenAI Realtime endpoint.
const (
	DefaultURL   = "wss://api.openai.com/v1/realtime"
	DefaultModel = "gpt-4o-realtime-preview-2024-12-17"
)

// Config holds configuration for the upstream provider.
type Config struct {
	// APIKey is the bearer token for the realtime API.
	APIKey string

	// URL is the realtime WebSocket endpoint, without query.
	URL string

	// Model is appended as ?model=.
	Model string

	// HandshakeTimeout bounds the WebSocket dial.
	HandshakeTimeout time.Duration

	// ReadTimeout is extended on every message and pong.
	ReadTimeout time.Duration

	// WriteTimeout bounds each frame write.
	WriteTimeout time.Duration

	// PingInterval is the keepalive period. Zero disables pings.
	PingInterval time.Duration

	// Logger is the structured logger to use.
	Logger *slog.Logger
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		URL:              DefaultURL,
		Model:            DefaultModel,
		HandshakeTimeout: 15 * time.Second,
		ReadTimeout:      5 * time.Minute,
		WriteTimeout:     10 * time.Second,
		PingInterval:     30 * time.Second,
		Logger:           slog.Default(),
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks the configuration for required fields.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return ErrMissingAPIKey
	}
	return nil
}

// Option is a functional option for configuring providers.
type Option func(*Config)

// WithAPIKey sets the API key.
func WithAPIKey(key string) Option {
	return func(c *Config) {
		c.APIKey = key
	}
}

// WithURL overrides the realtime endpoint.
func WithURL(url string) Option {
	return func(c *Config) {
		if url != "" {
			c.URL = url
		}
	}
}

// WithModel sets the realtime model.
func WithModel(model string) Option {
	return func(c *Config) {
		if model != "" {
			c.Model = model
		}
	}
}

// WithTimeout sets the handshake timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.HandshakeTimeout = d
	}
}

// WithPingInterval sets the keepalive period.
func WithPingInterval(d time.Duration) Option {
	return func(c *Config) {
		c.PingInterval = d
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// OpenAI voices.
const (
	VoiceAlloy   = "alloy"
	VoiceEcho    = "echo"
	VoiceNova    = "nova"
	VoiceShimmer = "shimmer"
)
