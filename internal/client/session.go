// Package client composes the transport, multiplexer, synchronizer and
// presentation adapter into one explicitly owned chat session with a
// create, start and shutdown lifecycle.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"heyochat/internal/api"
	"heyochat/internal/auth"
	"heyochat/internal/chat"
	"heyochat/internal/config"
	"heyochat/internal/metrics"
	"heyochat/internal/models"
	"heyochat/internal/mux"
	"heyochat/internal/view"
	"heyochat/internal/websocket"
)

var (
	ErrAlreadyStarted = errors.New("session already started")
	ErrNotStarted     = errors.New("session not started")
)

const offlineWait = time.Second

// Session is one signed-in chat client.
type Session struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Collector

	api   *api.Client
	conn  *websocket.Manager
	mux   *mux.Mux
	sync  *chat.Synchronizer
	store *view.Store
	view  *view.Adapter

	mu         sync.Mutex
	started    bool
	stopped    bool
	cancel     context.CancelFunc
	loopDone   chan error
	identity   auth.Identity
	metricsSrv *http.Server
}

// New builds a session from configuration. Nothing touches the network
// until Start.
func New(cfg *config.Config, logger *zap.Logger) (*Session, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	wsCfg, err := websocket.ConfigFrom(cfg)
	if err != nil {
		return nil, fmt.Errorf("websocket config: %w", err)
	}

	collector := metrics.New()
	apiClient := api.NewClient(api.Options{
		BaseURL:      cfg.APIURL(),
		Timeout:      cfg.Chat.RequestTimeout,
		RetryMax:     cfg.HTTP.RetryMax,
		RateLimitRPS: cfg.HTTP.RateLimitRPS,
	}, logger, collector)

	conn := websocket.New(wsCfg, logger, collector)
	mx := mux.New(conn, logger, collector)
	conn.SetListener(mx)

	store := view.NewStore()
	synchronizer := chat.New(chat.Deps{
		API:        apiClient,
		Conn:       conn,
		Subscriber: mx,
		Publisher:  store,
		Logger:     logger,
		Metrics:    collector,
	}, chat.ConfigFrom(cfg))

	return &Session{
		cfg:     cfg,
		logger:  logger.Named("session"),
		metrics: collector,
		api:     apiClient,
		conn:    conn,
		mux:     mx,
		sync:    synchronizer,
		store:   store,
		view:    view.NewAdapter(store, synchronizer),
	}, nil
}

// Start signs in with credential: it starts the synchronizer loop, connects
// the transport and loads the conversation list.
func (s *Session) Start(ctx context.Context, credential string) error {
	identity, err := auth.Check(credential, time.Now())
	if err != nil {
		return err
	}

	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.started = true
	s.identity = identity
	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.loopDone = make(chan error, 1)
	s.mu.Unlock()

	go func() { s.loopDone <- s.sync.Run(loopCtx) }()
	if err := s.sync.SetIdentity(identity.UserID); err != nil {
		return err
	}
	s.api.SetToken(credential)
	s.startMetrics()

	s.logger.Info("Starting session",
		zap.Int64("user_id", identity.UserID),
		zap.String("username", identity.Username))

	if err := s.conn.Connect(ctx, credential, false); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if err := s.sync.Load(ctx); err != nil {
		return err
	}
	return nil
}

// Reauthenticate swaps the credential and forces a reconnect, after which
// every channel is subscribed again under the new credential.
func (s *Session) Reauthenticate(ctx context.Context, credential string) error {
	identity, err := auth.Check(credential, time.Now())
	if err != nil {
		return err
	}
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return ErrNotStarted
	}
	s.identity = identity
	s.mu.Unlock()

	if err := s.sync.SetIdentity(identity.UserID); err != nil {
		return err
	}
	s.api.SetToken(credential)
	s.logger.Info("Reauthenticating", zap.String("username", identity.Username))
	return s.conn.Connect(ctx, credential, true)
}

// Shutdown announces offline, disconnects and stops every goroutine the
// session started. It is safe to call more than once.
func (s *Session) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.stopped = true
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel, loopDone, srv := s.cancel, s.loopDone, s.metricsSrv
	s.mu.Unlock()

	if s.conn.State() == websocket.StateConnected {
		select {
		case err := <-s.conn.Send(models.AppUserOffline, struct{}{}):
			if err != nil {
				s.logger.Warn("Offline announcement failed", zap.Error(err))
			}
		case <-time.After(offlineWait):
		case <-ctx.Done():
		}
	}
	s.conn.Close()

	cancel()
	select {
	case <-loopDone:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.store.Close()

	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Warn("Metrics server shutdown failed", zap.Error(err))
		}
	}
	s.logger.Info("Session stopped")
	return nil
}

func (s *Session) startMetrics() {
	addr := s.cfg.Metrics.Addr
	if addr == "" {
		return
	}
	router := http.NewServeMux()
	router.Handle("/metrics", s.metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	s.mu.Lock()
	s.metricsSrv = srv
	s.mu.Unlock()

	go func() {
		s.logger.Info("Metrics server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
}

// View is the presentation adapter for this session.
func (s *Session) View() *view.Adapter {
	return s.view
}

// Identity returns who the session is signed in as.
func (s *Session) Identity() auth.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// ConnectionState reports the transport state.
func (s *Session) ConnectionState() websocket.State {
	return s.conn.State()
}

// Subscriptions lists the channels currently subscribed on the transport.
func (s *Session) Subscriptions() []string {
	return s.mux.Active()
}

// Reconnect re-establishes a dropped transport with the current credential.
func (s *Session) Reconnect(ctx context.Context, credential string) error {
	return s.conn.Connect(ctx, credential, false)
}

// SendTo sends to a partner without opening the conversation.
func (s *Session) SendTo(partnerID int64, content string) <-chan error {
	return s.sync.SendTo(partnerID, content)
}

// UnreadTotal asks the server for the total unread count.
func (s *Session) UnreadTotal(ctx context.Context) (int, error) {
	return s.sync.UnreadTotal(ctx)
}

func (s *Session) Metrics() *metrics.Collector {
	return s.metrics
}
