package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "http://localhost:8080", cfg.Server.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.Transport.SendTimeout)
	assert.Equal(t, 256, cfg.Transport.SendQueueLimit)
	assert.Equal(t, 3*time.Second, cfg.Chat.TypingTimeout)
	assert.True(t, cfg.Chat.ResyncOnReconnect)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Empty(t, cfg.Metrics.Addr)
}

func TestLoadMatchesDefault(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadWithEnvironmentVariables(t *testing.T) {
	t.Setenv("CHAT_BASE_URL", "https://chat.example.com")
	t.Setenv("CHAT_SEND_TIMEOUT", "2s")
	t.Setenv("CHAT_TYPING_TIMEOUT", "500ms")
	t.Setenv("CHAT_RESYNC_ON_RECONNECT", "false")
	t.Setenv("CHAT_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://chat.example.com", cfg.Server.BaseURL)
	assert.Equal(t, 2*time.Second, cfg.Transport.SendTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Chat.TypingTimeout)
	assert.False(t, cfg.Chat.ResyncOnReconnect)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("CHAT_SEND_TIMEOUT", "soon")

	_, err := Load()
	assert.Error(t, err)
	assert.NotNil(t, LoadOrDefault())
}

func TestWebSocketURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://localhost:8080", "ws://localhost:8080/ws"},
		{"https://chat.example.com/", "wss://chat.example.com/ws"},
		{"http://host/prefix", "ws://host/prefix/ws"},
	}

	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			cfg := Default()
			cfg.Server.BaseURL = tt.base
			got, err := cfg.WebSocketURL()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAPIURL(t *testing.T) {
	cfg := Default()
	cfg.Server.BaseURL = "http://localhost:9000/"
	assert.Equal(t, "http://localhost:9000/api", cfg.APIURL())
}
