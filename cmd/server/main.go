package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/session-hub/backend/api/handlers"
	"github.com/session-hub/backend/internal/config"
	"github.com/session-hub/backend/internal/db"
	"github.com/session-hub/backend/internal/hub"
	"github.com/session-hub/backend/internal/logger"
	"github.com/session-hub/backend/internal/repository"
	"github.com/session-hub/backend/internal/sse"
	"github.com/session-hub/backend/internal/store"
	"github.com/session-hub/backend/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New(cfg.LogLevel)

	st, closeStore, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("Closing store...")
		if err := closeStore(); err != nil {
			log.Error("Failed to close store", "err", err)
		}
	}()

	// Rooms: bidirectional sockets, load barrier, join/leave notices, hibernation
	rooms := hub.NewManager("room", st, hub.Options{
		HistoryCap:     cfg.HistoryCap,
		AwaitLoad:      true,
		Announce:       true,
		Replay:         hub.ReplayBatch,
		Hibernate:      true,
		LoadTimeout:    cfg.LoadTimeout,
		PersistTimeout: cfg.PersistTimeout,
	}, log)

	// Chat: push-only stream, submissions over POST
	chats := hub.NewManager("chat", st, hub.Options{
		HistoryCap:     cfg.HistoryCap,
		Replay:         hub.ReplayEach,
		LoadTimeout:    cfg.LoadTimeout,
		PersistTimeout: cfg.PersistTimeout,
	}, log)

	// Login: one channel per hash, nothing kept
	logins := hub.NewManager("login", st, hub.Options{}, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, m := range []*hub.Manager{rooms, chats, logins} {
		go m.Run(ctx, cfg.SweepInterval, cfg.IdleTimeout)
	}

	streamOpts := sse.Options{Buffer: cfg.SendBuffer, KeepAlive: cfg.KeepAlive}
	wsHandler := handlers.NewWebSocketHandler(ws.NewHandler(rooms, ws.Config{
		MaxMessageSize: cfg.MaxMessageSize,
		SendBuffer:     cfg.SendBuffer,
	}, log))
	chatHandler := handlers.NewChatHandler(chats, streamOpts, cfg.MaxMessageSize)
	loginHandler := handlers.NewLoginHandler(logins, streamOpts, cfg.MaxMessageSize)
	hubsHandler := handlers.NewHubsHandler(rooms, chats, logins)

	gin.SetMode(cfg.GinMode)
	r := gin.New()
	r.Use(gin.Recovery())
	if gin.IsDebugging() {
		r.Use(gin.Logger())
	}

	// Enable CORS for browser clients
	r.Use(corsMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
		})
	})

	api := r.Group("/api")
	{
		wsHandler.RegisterRoutes(api)
		chatHandler.RegisterRoutes(api)
		loginHandler.RegisterRoutes(api)
		hubsHandler.RegisterRoutes(api)
	}

	srv := &http.Server{
		Addr:    cfg.Addr(),
		Handler: r,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info("Starting server", "address", cfg.Addr(), "store", cfg.StoreDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down server...")
	case err := <-errChan:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server shutdown failed", "err", err)
	}
	for _, m := range []*hub.Manager{rooms, chats, logins} {
		if err := m.Close(shutdownCtx); err != nil {
			log.Error("Failed to flush hubs", "namespace", m.Namespace(), "err", err)
		}
	}
	log.Info("Server stopped cleanly")
	return nil
}

// openStore opens the configured blob store and returns its close function.
func openStore(cfg config.Config) (store.Store, func() error, error) {
	switch cfg.StoreDriver {
	case "memory":
		return store.NewMemory(), func() error { return nil }, nil
	case "badger":
		bdb, err := store.OpenBadger(cfg.BadgerPath)
		if err != nil {
			return nil, nil, err
		}
		return bdb, bdb.Close, nil
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		database, err := db.InitDB(cfg.DBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		return repository.NewBlobRepository(database), db.CloseDB, nil
	}
}

// corsMiddleware returns a CORS middleware for browser clients.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
