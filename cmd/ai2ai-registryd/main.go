package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/ai2ai-protocol/ai2ai/internal/registry"
)

func main() {
	_ = godotenv.Load()

	env := getEnv("AI2AI_ENV", "development")
	port := getEnv("AI2AI_REGISTRY_PORT", "18801")
	dsn := os.Getenv("AI2AI_REGISTRY_DATABASE_URL")
	staleTimeout := getDuration("AI2AI_REGISTRY_STALE_TIMEOUT", registry.DefaultStaleTimeout)
	sweepInterval := getDuration("AI2AI_REGISTRY_SWEEP_INTERVAL", time.Minute)

	var logger zerolog.Logger
	if env == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}

	ctx := context.Background()

	var store registry.Store
	var err error
	if dsn != "" {
		store, err = registry.NewPostgresStore(ctx, dsn)
		if err != nil {
			logger.Fatal().Err(err).Msg("registry: postgres connection failed")
		}
		logger.Info().Msg("registry: connected to PostgreSQL")
	} else {
		store, err = registry.NewSQLiteStore(ctx, getEnv("AI2AI_REGISTRY_DB_PATH", "./data/registry.db"))
		if err != nil {
			logger.Fatal().Err(err).Msg("registry: sqlite open failed")
		}
		logger.Info().Msg("registry: using SQLite store")
	}
	defer store.Close()

	handler := registry.NewHandler(store, staleTimeout, logger)
	router := registry.NewRouter(handler, logger)

	sweepCtx, cancelSweep := context.WithCancel(ctx)
	go registry.RunStaleSweep(sweepCtx, store, staleTimeout, sweepInterval, logger)

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("port", port).Str("env", env).Msg("starting ai2ai registry")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("registry: server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down registry...")
	cancelSweep()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("registry: forced shutdown")
	}
	logger.Info().Msg("registry stopped")
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}
