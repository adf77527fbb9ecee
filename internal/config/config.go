// Package config loads pizzavoice settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/xhit/go-str2duration/v2"
)

// Defaults.
const (
	DefaultPort               = 3000
	DefaultLanguage           = "en"
	DefaultRealtimeURL        = "wss://api.openai.com/v1/realtime"
	DefaultAPIBaseURL         = "https://api.openai.com"
	DefaultModel              = "gpt-4o-realtime-preview-2024-12-17"
	DefaultStaticDir          = "./public"
	DefaultReconnectDelay     = 2 * time.Second
	DefaultPendingCallTimeout = 60 * time.Second
	DefaultCommitPolicy       = "batched"
	DefaultMinBufferBytes     = 4096
	DefaultMinBufferTime      = 500 * time.Millisecond
	DefaultOrdersStream       = "pizzavoice:orders"
)

// ErrMissingAPIKey is returned when OPENAI_API_KEY is not set.
var ErrMissingAPIKey = errors.New("config: OPENAI_API_KEY is required")

// Config holds all process configuration.
// Flag overrides are applied in cmd/pizzavoice; this struct is data only.
type Config struct {
	// APIKey authenticates against the upstream realtime service.
	APIKey string

	Port  int
	Debug bool

	// Language is the default spoken language for new sessions ("en" or "ur").
	Language string

	RealtimeURL string
	APIBaseURL  string
	Model       string

	// CatalogPath points at a YAML catalog. Empty uses the built-in menu.
	CatalogPath string
	StaticDir   string

	ReconnectDelay     time.Duration
	PendingCallTimeout time.Duration

	// CommitPolicy is one of "every-append", "batched", "server-vad".
	CommitPolicy   string
	MinBufferBytes int
	MinBufferTime  time.Duration

	// RedisURL enables the Redis order sink when set.
	RedisURL     string
	OrdersStream string
}

// LoadDotEnv loads KEY=VALUE pairs from the given files (default ".env").
// Variables already present in the environment win. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("config: load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads configuration from the environment and validates it.
func Load() (Config, error) {
	cfg := Config{
		APIKey:         strings.TrimSpace(os.Getenv("OPENAI_API_KEY")),
		Language:       strings.ToLower(envOr("LANGUAGE", DefaultLanguage)),
		RealtimeURL:    envOr("OPENAI_REALTIME_URL", DefaultRealtimeURL),
		APIBaseURL:     strings.TrimRight(envOr("OPENAI_API_BASE_URL", DefaultAPIBaseURL), "/"),
		Model:          envOr("OPENAI_MODEL", DefaultModel),
		CatalogPath:    os.Getenv("CATALOG_PATH"),
		StaticDir:      envOr("STATIC_DIR", DefaultStaticDir),
		CommitPolicy:   strings.ToLower(envOr("AUDIO_COMMIT_POLICY", DefaultCommitPolicy)),
		RedisURL:       os.Getenv("REDIS_URL"),
		OrdersStream:   envOr("ORDERS_STREAM", DefaultOrdersStream),
		MinBufferBytes: DefaultMinBufferBytes,
	}

	var err error
	if cfg.Port, err = envIntOr("PORT", DefaultPort); err != nil {
		return Config{}, err
	}
	if cfg.Debug, err = envBoolOr("DEBUG", false); err != nil {
		return Config{}, err
	}
	if cfg.MinBufferBytes, err = envIntOr("AUDIO_MIN_BUFFER_BYTES", DefaultMinBufferBytes); err != nil {
		return Config{}, err
	}
	if cfg.ReconnectDelay, err = envDurationOr("RECONNECT_DELAY", DefaultReconnectDelay); err != nil {
		return Config{}, err
	}
	if cfg.PendingCallTimeout, err = envDurationOr("PENDING_CALL_TIMEOUT", DefaultPendingCallTimeout); err != nil {
		return Config{}, err
	}
	if cfg.MinBufferTime, err = envDurationOr("AUDIO_MIN_BUFFER_TIME", DefaultMinBufferTime); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required fields and enumerations.
func (c Config) Validate() error {
	if c.APIKey == "" {
		return ErrMissingAPIKey
	}
	switch c.Language {
	case "en", "ur":
	default:
		return fmt.Errorf("config: LANGUAGE must be en or ur, got %q", c.Language)
	}
	switch c.CommitPolicy {
	case "every-append", "batched", "server-vad":
	default:
		return fmt.Errorf("config: AUDIO_COMMIT_POLICY must be every-append|batched|server-vad, got %q", c.CommitPolicy)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: PORT out of range: %d", c.Port)
	}
	if c.ReconnectDelay <= 0 || c.PendingCallTimeout <= 0 {
		return errors.New("config: RECONNECT_DELAY and PENDING_CALL_TIMEOUT must be > 0")
	}
	if c.MinBufferBytes < 0 || c.MinBufferTime < 0 {
		return errors.New("config: audio buffer thresholds must be >= 0")
	}
	return nil
}

// Addr returns the listen address for the configured port.
func (c Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envIntOr(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer: %w", key, err)
	}
	return n, nil
}

func envBoolOr(key string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("config: %s must be a boolean: %w", key, err)
	}
	return b, nil
}

// envDurationOr accepts Go durations plus day/week units ("1d", "2s", "1500ms").
// A bare integer is taken as milliseconds.
func envDurationOr(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := str2duration.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be a duration: %w", key, err)
	}
	return d, nil
}
