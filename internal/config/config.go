package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all client and devserver configuration.
type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Chat      ChatConfig
	HTTP      HTTPConfig
	Logging   LogConfig
	Metrics   MetricsConfig
	DevServer DevServerConfig
}

// ServerConfig locates the server of record.
type ServerConfig struct {
	BaseURL   string `envconfig:"CHAT_BASE_URL" default:"http://localhost:8080"`
	WSPath    string `envconfig:"CHAT_WS_PATH" default:"/ws"`
	APIPrefix string `envconfig:"CHAT_API_PREFIX" default:"/api"`
}

// TransportConfig tunes the persistent connection.
type TransportConfig struct {
	ConnectTimeout time.Duration `envconfig:"CHAT_CONNECT_TIMEOUT" default:"10s"`
	SendTimeout    time.Duration `envconfig:"CHAT_SEND_TIMEOUT" default:"5s"`
	SendQueueLimit int           `envconfig:"CHAT_SEND_QUEUE_LIMIT" default:"256"`
	HeartbeatOut   time.Duration `envconfig:"CHAT_HEARTBEAT_OUT" default:"10s"`
	HeartbeatIn    time.Duration `envconfig:"CHAT_HEARTBEAT_IN" default:"10s"`
	TraceFrames    bool          `envconfig:"CHAT_TRACE_FRAMES" default:"false"`
}

// ChatConfig tunes the conversation synchronizer.
type ChatConfig struct {
	TypingTimeout     time.Duration `envconfig:"CHAT_TYPING_TIMEOUT" default:"3s"`
	TypingThrottle    time.Duration `envconfig:"CHAT_TYPING_THROTTLE" default:"1s"`
	RequestTimeout    time.Duration `envconfig:"CHAT_REQUEST_TIMEOUT" default:"15s"`
	ResyncOnReconnect bool          `envconfig:"CHAT_RESYNC_ON_RECONNECT" default:"true"`
}

// HTTPConfig tunes the REST collaborator client.
type HTTPConfig struct {
	RetryMax     int     `envconfig:"CHAT_HTTP_RETRY_MAX" default:"3"`
	RateLimitRPS float64 `envconfig:"CHAT_HTTP_RATE_LIMIT_RPS" default:"0"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"CHAT_LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"CHAT_LOG_DEV" default:"false"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `envconfig:"CHAT_METRICS_ADDR" default:""`
}

// DevServerConfig configures cmd/devserver.
type DevServerConfig struct {
	Addr      string `envconfig:"CHAT_DEV_ADDR" default:":8080"`
	DBPath    string `envconfig:"CHAT_DEV_DB_PATH" default:"data/devserver.db"`
	JWTSecret string `envconfig:"CHAT_JWT_SECRET" default:"dev-secret-key"`
}

// Load loads configuration from CHAT_* environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BaseURL:   "http://localhost:8080",
			WSPath:    "/ws",
			APIPrefix: "/api",
		},
		Transport: TransportConfig{
			ConnectTimeout: 10 * time.Second,
			SendTimeout:    5 * time.Second,
			SendQueueLimit: 256,
			HeartbeatOut:   10 * time.Second,
			HeartbeatIn:    10 * time.Second,
		},
		Chat: ChatConfig{
			TypingTimeout:     3 * time.Second,
			TypingThrottle:    time.Second,
			RequestTimeout:    15 * time.Second,
			ResyncOnReconnect: true,
		},
		HTTP: HTTPConfig{
			RetryMax: 3,
		},
		Logging: LogConfig{
			Level: "info",
		},
		DevServer: DevServerConfig{
			Addr:      ":8080",
			DBPath:    "data/devserver.db",
			JWTSecret: "dev-secret-key",
		},
	}
}

// WebSocketURL derives the ws:// or wss:// endpoint from BaseURL.
func (c *Config) WebSocketURL() (string, error) {
	u, err := url.Parse(c.Server.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + c.Server.WSPath
	return u.String(), nil
}

// APIURL returns the REST base, e.g. http://localhost:8080/api.
func (c *Config) APIURL() string {
	return strings.TrimRight(c.Server.BaseURL, "/") + c.Server.APIPrefix
}
