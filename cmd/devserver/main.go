package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"heyochat/internal/config"
	"heyochat/internal/db"
	"heyochat/internal/devserver"
	"heyochat/internal/logging"
)

func main() {
	isLoadTest := flag.Bool("loadtest", false, "Use a separate database for load testing")
	seed := flag.Int("seed", 0, "Seed this many users (user0, user1, ...) paired as friends")
	seedPassword := flag.String("seed-password", "password", "Password for seeded users")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		cfg = config.Default()
	}

	logger, err := logging.New(logging.Config{Level: cfg.Logging.Level, Development: cfg.Logging.Development})
	if err != nil {
		logger = logging.NewDefault()
	}
	defer logger.Sync()
	logger = &logging.Logger{Logger: logger.Named("devserver")}
	logger.Info("Starting server...")

	dbPath := cfg.DevServer.DBPath
	if *isLoadTest {
		dbPath = filepath.Join(filepath.Dir(dbPath), "loadtest", "loadtest.db")
		logger.Info("Using load testing database", zap.String("path", dbPath))
	}

	database, err := db.NewDB(dbPath, logger.Named("db"))
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close()

	if *seed > 0 {
		if err := devserver.Seed(database, *seed, *seedPassword); err != nil {
			logger.Fatal("Failed to seed users", zap.Error(err))
		}
		logger.Info("Seeded users", zap.Int("count", *seed))
	}

	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := devserver.New(database, devserver.OptionsFrom(cfg), logger.Logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go srv.Run(ctx)

	server := &http.Server{
		Addr:              cfg.DevServer.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Server listening", zap.String("addr", cfg.DevServer.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Shutdown failed", zap.Error(err))
	}
}
