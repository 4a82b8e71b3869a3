// Package devserver is a self-contained chat server for local development,
// load tests and integration tests. It speaks the same REST endpoints and
// STOMP destinations as the server of record, backed by SQLite.
package devserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"heyochat/internal/config"
	"heyochat/internal/db"
)

// Options configures a Server.
type Options struct {
	Secret       []byte
	TokenTTL     time.Duration
	HeartbeatOut time.Duration
	HeartbeatIn  time.Duration
	AllowOrigins []string
}

// OptionsFrom derives devserver options from the shared config.
func OptionsFrom(cfg *config.Config) Options {
	return Options{
		Secret:       []byte(cfg.DevServer.JWTSecret),
		TokenTTL:     24 * time.Hour,
		HeartbeatOut: cfg.Transport.HeartbeatOut,
		HeartbeatIn:  cfg.Transport.HeartbeatIn,
	}
}

type Server struct {
	db       *db.DB
	hub      *Hub
	secret   []byte
	opts     Options
	logger   *zap.Logger
	engine   *gin.Engine
	upgrader websocket.Upgrader
}

func New(database *db.DB, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = 24 * time.Hour
	}
	s := &Server{
		db:     database,
		hub:    NewHub(database, logger),
		secret: opts.Secret,
		opts:   opts,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(s.logger))

	corsCfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Authorization", "Content-Type", "Accept", "Origin"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(s.opts.AllowOrigins) > 0 {
		corsCfg.AllowOrigins = s.opts.AllowOrigins
		corsCfg.AllowCredentials = true
	} else {
		corsCfg.AllowAllOrigins = true
	}
	router.Use(cors.New(corsCfg))

	router.GET("/healthz", s.HandleHealth)
	router.GET("/ws", s.HandleWebSocket)

	authGroup := router.Group("/api/auth")
	authGroup.POST("/register", s.HandleRegister)
	authGroup.POST("/login", s.HandleLogin)

	chat := router.Group("/api/chat", s.WithAuth())
	chat.GET("/conversations", s.HandleConversations)
	chat.GET("/conversations/search", s.HandleSearchConversations)
	chat.GET("/conversations/:partnerId", s.HandleMessages)
	chat.POST("/conversations/:partnerId/read", s.HandleMarkRead)
	chat.POST("/conversations/create/:friendId", s.HandleCreateConversation)
	chat.GET("/unread-count", s.HandleUnreadCount)
	chat.GET("/friends/without-chat", s.HandleFriendsWithoutChat)
	chat.POST("/send", s.HandleSend)

	return router
}

// Handler returns the HTTP handler serving REST and /ws.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) Hub() *Hub {
	return s.hub
}

// Run drives the hub until ctx ends.
func (s *Server) Run(ctx context.Context) {
	s.hub.Run(ctx)
}

// requestLogger logs each request with zap. WebSocket upgrades are skipped.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/ws" {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		logger.Info("Request completed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)))
	}
}
