// Package api assembles the node's HTTP surface: the ingress pipeline
// handlers behind the ambient chi middleware stack (§10).
package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ai2ai-protocol/ai2ai/internal/api/middleware"
	"github.com/ai2ai-protocol/ai2ai/internal/ingress"
	"github.com/ai2ai-protocol/ai2ai/internal/security"
)

// NewRouter wires the node's HTTP endpoints behind the ambient middleware
// stack: metrics, security headers, body-size cap, standard chi middleware,
// connection-level rate limiting, then the ingress handlers themselves.
func NewRouter(logger zerolog.Logger, receiver *ingress.Receiver) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Metrics)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(ingress.MaxBodyBytes))
	r.Use(middleware.ValidateRequest)

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	connLimiter := middleware.NewConnLimiter(security.NewRateLimiter(200, time.Minute), logger)
	r.Use(connLimiter.Middleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/ai2ai/health", receiver.Health)
	r.Get("/.well-known/ai2ai.json", receiver.WellKnown)
	r.Post("/ai2ai", receiver.Submit)

	return r
}
