package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"OPENAI_API_KEY", "PORT", "DEBUG", "LANGUAGE", "OPENAI_REALTIME_URL",
		"OPENAI_API_BASE_URL", "OPENAI_MODEL", "CATALOG_PATH", "STATIC_DIR",
		"RECONNECT_DELAY", "PENDING_CALL_TIMEOUT", "AUDIO_COMMIT_POLICY",
		"AUDIO_MIN_BUFFER_BYTES", "AUDIO_MIN_BUFFER_TIME", "REDIS_URL", "ORDERS_STREAM",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadRequiresAPIKey(t *testing.T) {
	clearEnv(t)

	_, err := Load()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingAPIKey))
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, "en", cfg.Language)
	assert.False(t, cfg.Debug)
	assert.Equal(t, DefaultReconnectDelay, cfg.ReconnectDelay)
	assert.Equal(t, DefaultPendingCallTimeout, cfg.PendingCallTimeout)
	assert.Equal(t, "batched", cfg.CommitPolicy)
	assert.Equal(t, 4096, cfg.MinBufferBytes)
	assert.Equal(t, 500*time.Millisecond, cfg.MinBufferTime)
	assert.Equal(t, DefaultOrdersStream, cfg.OrdersStream)
	assert.Equal(t, ":3000", cfg.Addr())
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("PORT", "8081")
	t.Setenv("DEBUG", "true")
	t.Setenv("LANGUAGE", "UR")
	t.Setenv("RECONNECT_DELAY", "1500")
	t.Setenv("PENDING_CALL_TIMEOUT", "2m")
	t.Setenv("AUDIO_COMMIT_POLICY", "every-append")
	t.Setenv("AUDIO_MIN_BUFFER_TIME", "1d")
	t.Setenv("OPENAI_API_BASE_URL", "http://localhost:9999/")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8081, cfg.Port)
	assert.True(t, cfg.Debug)
	assert.Equal(t, "ur", cfg.Language)
	assert.Equal(t, 1500*time.Millisecond, cfg.ReconnectDelay)
	assert.Equal(t, 2*time.Minute, cfg.PendingCallTimeout)
	assert.Equal(t, "every-append", cfg.CommitPolicy)
	assert.Equal(t, 24*time.Hour, cfg.MinBufferTime)
	assert.Equal(t, "http://localhost:9999", cfg.APIBaseURL)
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"language", "LANGUAGE", "fr"},
		{"port", "PORT", "abc"},
		{"port range", "PORT", "70000"},
		{"debug", "DEBUG", "maybe"},
		{"policy", "AUDIO_COMMIT_POLICY", "sometimes"},
		{"duration", "RECONNECT_DELAY", "soon"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("OPENAI_API_KEY", "sk-test")
			t.Setenv(tt.key, tt.val)

			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadDotEnvPreservesExisting(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("OPENAI_API_KEY=from-file\nPORT=4000\n"), 0o600))

	// clearEnv registered restores; unset so the file value can apply.
	require.NoError(t, os.Unsetenv("OPENAI_API_KEY"))
	t.Setenv("PORT", "5000")
	require.NoError(t, LoadDotEnv(path))

	assert.Equal(t, "from-file", os.Getenv("OPENAI_API_KEY"))
	assert.Equal(t, "5000", os.Getenv("PORT"))
}

func TestLoadDotEnvMissingFile(t *testing.T) {
	assert.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "nope.env")))
}
