// Mediation API server.
package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/commonground/mediation/internal/api"
	"github.com/commonground/mediation/internal/config"
	"github.com/commonground/mediation/internal/identity"
	"github.com/commonground/mediation/internal/janitor"
	"github.com/commonground/mediation/internal/mediation"
	"github.com/commonground/mediation/internal/metrics"
	"github.com/commonground/mediation/internal/middleware"
	"github.com/commonground/mediation/internal/realtime"
	"github.com/commonground/mediation/internal/session"
	"github.com/commonground/mediation/internal/shared"
	"github.com/commonground/mediation/internal/store"
	"github.com/commonground/mediation/internal/transcript"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"gopkg.in/natefinch/lumberjack.v2"
)

const wsWriteTimeout = 5 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	var logOut io.Writer = os.Stdout
	if cfg.LogPath != "" {
		logOut = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.LogPath,
			MaxSize:    100,
			MaxBackups: 5,
			Compress:   true,
		})
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "dev_identity", cfg.DevIdentity(), "mediator", cfg.Mediator.Backend)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath, shared.RetryPolicy{
		MaxRetries: cfg.Retry.DatabaseMaxRetries,
		BaseDelay:  cfg.Retry.DatabaseRetryBaseDelay,
	})
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	m := metrics.New()

	mediator, err := mediation.New(cfg.Mediator, logger)
	if err != nil {
		slog.Error("Failed to initialize mediator", "error", err)
		os.Exit(1)
	}
	defer mediator.Close()

	transcripts, err := transcript.New(transcript.Config{
		Enabled:   cfg.Transcript.Enabled,
		Path:      cfg.Transcript.Path,
		QueueSize: cfg.Transcript.QueueSize,
		OnDrop:    m.TranscriptDropped,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize transcript log", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := transcripts.Close(); closeErr != nil {
			slog.Error("Failed to close transcript log", "error", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := realtime.NewHub(wsWriteTimeout)
	var broadcaster realtime.Broadcaster = hub
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		fanout := realtime.NewRedisFanout(rdb, hub, logger)
		go func() {
			if err := fanout.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("Realtime fan-out stopped", "error", err)
			}
		}()
		broadcaster = fanout
		slog.Info("Realtime fan-out via Redis enabled", "addr", cfg.Redis.Addr)
	}

	svc := session.New(repo, mediator, session.Options{
		PublicURL:   cfg.PublicURL,
		InviteTTL:   cfg.Invite.TTL,
		Broadcaster: broadcaster,
		Transcript:  transcripts,
		Metrics:     m,
		Logger:      logger,
	})

	// Initialize handlers.
	verifier := identity.NewVerifier(identity.Config{
		Secret:          cfg.Auth.JWTSecret,
		Issuer:          cfg.Auth.JWTIssuer,
		Audience:        cfg.Auth.JWTAudience,
		AllowDevHeaders: cfg.DevIdentity(),
	})
	sessionHandler := api.NewHandler(svc, repo)
	healthHandler := api.NewHealthHandler(repo)
	wsHandler := realtime.NewWebSocketHandler(svc, hub, cfg.FrontendURL, cfg.IsDevelopment())
	limiter := middleware.NewRateLimiter(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst)

	allowedOrigins := []string{"*"}
	if cfg.FrontendURL != "" {
		allowedOrigins = []string{cfg.FrontendURL}
	}

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.Metrics(m))
	r.Use(middleware.CORS(allowedOrigins))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Handle("/metrics", m.Handler())

	// Authenticated routes.
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, verifier))
		sessionHandler.RegisterRoutes(r, limiter.Middleware)
		r.Get("/ws/sessions/{id}", wsHandler.ServeHTTP)
	})

	// WebSocket connections are long-lived, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start janitor.
	jan, err := janitor.New(repo, janitor.Config{
		Schedule:     cfg.Janitor.Schedule,
		AbandonAfter: cfg.Janitor.AbandonAfter,
		Broadcaster:  broadcaster,
	}, m, logger)
	if err != nil {
		slog.Error("Failed to initialize janitor", "error", err)
		os.Exit(1)
	}
	jan.Start()

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	jan.Stop(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server stopped successfully")
}
