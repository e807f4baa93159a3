package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/assistant-stream/internal/api"
	"github.com/ashureev/assistant-stream/internal/backend"
	"github.com/ashureev/assistant-stream/internal/config"
	"github.com/ashureev/assistant-stream/internal/conversation"
	"github.com/ashureev/assistant-stream/internal/middleware"
	"github.com/ashureev/assistant-stream/internal/realtime"
	"github.com/ashureev/assistant-stream/internal/session"
	"github.com/ashureev/assistant-stream/internal/store"
	"github.com/ashureev/assistant-stream/internal/stream"
	"github.com/ashureev/assistant-stream/internal/transcript"
)

func serveCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the local chat API and live update socket",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
}

func serve(cfg *config.Config) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "backend", cfg.Backend.URL, "dev", cfg.IsDevelopment())

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	transcripts, err := transcript.New(transcript.Config{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize conversation logger: %w", err)
	}
	defer func() {
		if closeErr := transcripts.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	convStore := conversation.NewStore(logger)
	defer convStore.Close()

	client := backend.NewClient(cfg.Backend.URL, cfg.Backend.Token, nil, logger)
	outbox := backend.NewOutbox(client, repo, logger)
	migrator := conversation.NewMigrator(repo, nil, logger)
	loader := conversation.NewLoader(convStore, repo, client, repo, logger)

	hub := realtime.NewHub(realtime.Options{
		AllowedOrigin: cfg.FrontendURL,
		Initial: func() []realtime.Envelope {
			state := convStore.StreamingState()
			return []realtime.Envelope{{Type: realtime.TypeStreaming, Key: state.ConversationID, Streaming: &state}}
		},
		Logger: logger,
	})

	ctrl := session.NewController(convStore, session.Options{
		Transport: stream.NewHTTPTransport(stream.TransportConfig{
			BaseURL:       cfg.Backend.URL,
			Token:         cfg.Backend.Token,
			MaxFrameBytes: cfg.Stream.MaxFrameBytes,
		}, logger),
		Saver:       outbox,
		Notifier:    hub,
		Refresher:   client,
		Migrator:    migrator,
		Transcript:  transcripts,
		Logger:      logger,
		SaveTimeout: cfg.Stream.SaveTimeout,
	})

	limiter := api.NewRateLimiter(cfg.SendRate.Limit, cfg.SendRate.Window)
	defer limiter.Stop()

	handler := api.NewHandler(api.Deps{
		Chat:          ctrl,
		Store:         convStore,
		Loader:        loader,
		Conversations: client,
		Limiter:       limiter,
		DB:            repo,
		Logger:        logger,
	})

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins()))

	handler.RegisterRoutes(r)
	r.Get("/ws/updates", hub.ServeHTTP)

	// Live updates ride the websocket, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Workers outlive the signal context so they can observe the final
	// writes made while sessions are cancelled.
	workCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	g, gctx := errgroup.WithContext(workCtx)

	g.Go(func() error {
		outbox.Run(gctx, cfg.Stream.OutboxInterval)
		return nil
	})
	g.Go(func() error {
		return store.NewPersister(repo, cfg.Persist.SnapshotDebounce, cfg.Persist.FetchedTTL, logger).Run(gctx, convStore)
	})
	g.Go(func() error {
		hub.Run(gctx, convStore)
		return nil
	})
	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	select {
	case <-ctx.Done():
	case <-gctx.Done():
	}
	stop()

	slog.Info("Shutting down gracefully...")

	ctrl.Close()
	hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	shutdownErr := srv.Shutdown(shutdownCtx)
	if shutdownErr != nil {
		slog.Error("Server forced to shutdown", "error", shutdownErr)
	}

	stopWorkers()
	if err := g.Wait(); err != nil {
		return err
	}
	if shutdownErr != nil {
		return fmt.Errorf("shutdown: %w", shutdownErr)
	}

	slog.Info("Server stopped successfully")
	return nil
}
