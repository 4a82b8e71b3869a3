package websocket

import (
	"errors"
	"time"

	"heyochat/internal/config"
)

// State is the lifecycle state of the persistent connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

var (
	// ErrTransport covers dial failures and socket loss.
	ErrTransport = errors.New("transport error")
	// ErrProtocol covers handshake rejection and ERROR frames.
	ErrProtocol = errors.New("protocol error")
	// ErrNotConnected is returned for writes that require a live session.
	ErrNotConnected = errors.New("not connected")
	// ErrDeliveryTimeout is delivered when a queued send outlives the send timeout.
	ErrDeliveryTimeout = errors.New("delivery timeout: connection not established")
	// ErrQueueFull is delivered when the pending send queue is at its limit.
	ErrQueueFull = errors.New("send queue full")
	// ErrClosed is returned once the manager has been closed.
	ErrClosed = errors.New("connection manager closed")
)

// Config tunes a Manager.
type Config struct {
	URL            string
	ConnectTimeout time.Duration
	SendTimeout    time.Duration
	SendQueueLimit int
	HeartbeatOut   time.Duration
	HeartbeatIn    time.Duration
	TraceFrames    bool
}

// ConfigFrom derives manager settings from the application config.
func ConfigFrom(cfg *config.Config) (Config, error) {
	u, err := cfg.WebSocketURL()
	if err != nil {
		return Config{}, err
	}
	return Config{
		URL:            u,
		ConnectTimeout: cfg.Transport.ConnectTimeout,
		SendTimeout:    cfg.Transport.SendTimeout,
		SendQueueLimit: cfg.Transport.SendQueueLimit,
		HeartbeatOut:   cfg.Transport.HeartbeatOut,
		HeartbeatIn:    cfg.Transport.HeartbeatIn,
		TraceFrames:    cfg.Transport.TraceFrames,
	}, nil
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 5 * time.Second
	}
	if c.SendQueueLimit <= 0 {
		c.SendQueueLimit = 256
	}
	return c
}
