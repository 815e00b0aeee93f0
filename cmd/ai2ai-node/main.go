package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/ai2ai-protocol/ai2ai/internal/config"
	"github.com/ai2ai-protocol/ai2ai/internal/contacts"
	"github.com/ai2ai-protocol/ai2ai/internal/node"
)

func main() {
	cfg := config.Load()

	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	n, err := node.New(node.Config{
		AgentID:              cfg.AgentID,
		HumanName:            cfg.HumanName,
		Endpoint:             cfg.Endpoint,
		Capabilities:         cfg.Capabilities,
		Timezone:             cfg.Timezone,
		DataDir:              cfg.DataDir,
		Port:                 cfg.Port,
		RegistryURL:          cfg.RegistryURL,
		RedisURL:             cfg.RedisURL,
		MessageTTL:           cfg.MessageTTL,
		NonceWindow:          cfg.NonceWindow,
		RateLimit:            cfg.RateLimit,
		RateLimitWindow:      cfg.RateLimitWindow,
		ApprovalTTL:          cfg.ApprovalTTL,
		ApprovalRetention:    cfg.ApprovalRetention,
		ConversationExpiry:   cfg.ConversationExpiry,
		RotationInterval:     cfg.RotationInterval,
		RequestTimeout:       cfg.RequestTimeout,
		MinAutoDispatchTrust: contacts.TrustTrusted,
		EncryptionEnabled:    cfg.EncryptionEnabled,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("node: initialization failed")
	}

	ctx := context.Background()

	n.On(node.EventCircuitOpen, func(p any) {
		logger.Warn().Interface("endpoint", p).Msg("circuit breaker opened")
	})
	n.On(node.EventCircuitClosed, func(p any) {
		logger.Info().Interface("endpoint", p).Msg("circuit breaker closed")
	})
	n.On(node.EventApprovalExpired, func(p any) {
		logger.Info().Interface("approval", p).Msg("pending approval auto-rejected")
	})

	if err := n.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("node: start failed")
	}

	logger.Info().
		Str("agent", cfg.AgentID).
		Str("port", cfg.Port).
		Str("env", cfg.Env).
		Msg("starting ai2ai node")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down node...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := n.Stop(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("node: forced shutdown")
	}

	logger.Info().Msg("node stopped")
}
