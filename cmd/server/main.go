package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/mmuslimabdulj/goat-relay/internal/auth"
	"github.com/mmuslimabdulj/goat-relay/internal/config"
	httpHandler "github.com/mmuslimabdulj/goat-relay/internal/delivery/http"
	"github.com/mmuslimabdulj/goat-relay/internal/delivery/ws"
	"github.com/mmuslimabdulj/goat-relay/internal/logging"
	"github.com/mmuslimabdulj/goat-relay/internal/middleware"
	"github.com/mmuslimabdulj/goat-relay/internal/observability"
	"github.com/mmuslimabdulj/goat-relay/internal/repo"
)

var version = "dev"

func main() {
	// Load .env file (ignore error if not exists, e.g. in production)
	_ = godotenv.Load()

	cfg := config.LoadFromEnv()
	logging.Setup(cfg.LogLevel, cfg.LogPretty)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.AllowAnonymous {
		log.Warn().Msg("ALLOW_ANONYMOUS is set: identities are not verified")
	}

	ctx := context.Background()
	shutdownOTel, err := observability.SetupOTel(ctx, cfg.OTEL, version)
	if err != nil {
		log.Fatal().Err(err).Msg("tracing setup failed")
	}

	db, err := repo.OpenSQLite(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open database")
	}
	if err := repo.AutoMigrate(db); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}
	store := repo.NewStore(db)

	// Initialize dependencies
	presence := ws.NewPresence()
	typing := ws.NewTyping(presence, cfg.TypingTimeout)
	router := ws.NewRouter(store, store, presence, typing, ws.RouterConfig{
		StoreTimeout:  cfg.StoreTimeout,
		StoreRetries:  cfg.StoreRetries,
		MaxTextLength: cfg.MaxTextLength,
	})
	hub := ws.NewHub(presence, typing, router, ws.HubConfig{
		MaxMessageSize: int64(cfg.MaxMessageSize),
		EventRate:      cfg.RateLimitEvents,
	})
	resolver := auth.NewResolver(cfg.JWTSecret, cfg.AllowAnonymous)
	handler := httpHandler.NewHandler(hub, store, resolver, cfg)

	apiLimiter := middleware.NewIPRateLimiter(cfg.RateLimitAPI, max(1, int(cfg.RateLimitAPI)*2))
	wsLimiter := middleware.NewIPRateLimiter(cfg.RateLimitWS, max(1, int(cfg.RateLimitWS)*2))
	defer apiLimiter.Stop()
	defer wsLimiter.Stop()

	// Metrics sits innermost so it sees the pattern the mux matched
	mux := handler.Routes(apiLimiter, wsLimiter)
	root := middleware.SecurityHeaders(
		middleware.RequestID(
			middleware.AccessLog(
				middleware.Recovery(
					middleware.Metrics(mux)))))

	// WriteTimeout does not apply to hijacked websocket connections
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           root,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("port", cfg.Port).Str("db", cfg.DBPath).Str("version", version).Msg("goat-relay listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	hub.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	if err := shutdownOTel(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("tracing shutdown")
	}
	if err := repo.Close(db); err != nil {
		log.Error().Err(err).Msg("close database")
	}

	log.Info().Msg("server exited gracefully")
}
