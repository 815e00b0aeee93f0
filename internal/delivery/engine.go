// Package delivery implements the Delivery Engine (§4.7): retry-with-backoff
// layered on a per-endpoint circuit breaker, plus the delivery tracker that
// emits sent/delivered/read/failed events.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/ai2ai-protocol/ai2ai/internal/envelope"
	"github.com/ai2ai-protocol/ai2ai/internal/metrics"
)

var (
	ErrRecipientBlocked = errors.New("delivery: recipient is blocked")
	ErrCircuitOpen      = errors.New("delivery: circuit open for endpoint")
	ErrDeliveryFailed   = errors.New("delivery: exhausted retries")
)

// IsBlockedFunc reports whether deliveries to agentID should be suppressed.
type IsBlockedFunc func(agentID string) bool

// Engine drives interactive (synchronous) deliveries.
type Engine struct {
	http      *http.Client
	breakers  *Breakers
	backoff   BackoffConfig
	tracker   *Tracker
	isBlocked IsBlockedFunc
	log       zerolog.Logger
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithHTTPClient overrides the default HTTP client (10 s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.http = c }
}

// WithBackoff overrides the interactive retry schedule.
func WithBackoff(cfg BackoffConfig) Option {
	return func(e *Engine) { e.backoff = cfg }
}

// WithBreakerConfig overrides the circuit breaker thresholds.
func WithBreakerConfig(cfg BreakerConfig) Option {
	return func(e *Engine) { e.breakers = NewBreakers(cfg) }
}

// WithBreakerStateChange fires fn whenever any per-endpoint circuit breaker
// opens or closes, letting a Node Orchestrator surface circuit-open and
// circuit-closed events (§4.12).
func WithBreakerStateChange(fn StateChangeFunc) Option {
	return func(e *Engine) { e.breakers.WithStateChange(fn) }
}

// WithBlockCheck wires the contact registry's block check into the send path.
func WithBlockCheck(fn IsBlockedFunc) Option {
	return func(e *Engine) { e.isBlocked = fn }
}

// WithLogger attaches a component logger.
func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// New builds a Delivery Engine with the given tracker and options.
func New(tracker *Tracker, opts ...Option) *Engine {
	e := &Engine{
		http:      &http.Client{Timeout: 10 * time.Second},
		breakers:  NewBreakers(BreakerConfig{}),
		backoff:   InteractiveBackoff(),
		tracker:   tracker,
		isBlocked: func(string) bool { return false },
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Deliver sends env to endpoint, retrying with backoff up to
// backoff.MaxRetries times behind a per-endpoint circuit breaker.
func (e *Engine) Deliver(ctx context.Context, env *envelope.Envelope, endpoint string) error {
	if e.isBlocked(env.To.Agent) {
		return ErrRecipientBlocked
	}

	breaker := e.breakers.Get(endpoint)
	if !breaker.Allow() {
		return ErrCircuitOpen
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("delivery: marshal envelope: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= e.backoff.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(e.backoff.Delay(attempt - 1)):
			case <-ctx.Done():
				return ctx.Err()
			}
			if !breaker.Allow() {
				break
			}
		}

		lastErr = e.attempt(ctx, endpoint, body)
		if lastErr == nil {
			metrics.DeliveryAttempts.WithLabelValues("success").Inc()
			breaker.RecordSuccess()
			e.tracker.MarkSent(env.ID.String())
			e.tracker.MarkDelivered(env.ID.String())
			return nil
		}
		metrics.DeliveryAttempts.WithLabelValues("failure").Inc()
		breaker.RecordFailure()
		e.log.Warn().Err(lastErr).Str("endpoint", endpoint).Int("attempt", attempt).Msg("delivery attempt failed")
	}

	e.tracker.MarkFailed(env.ID.String())
	return fmt.Errorf("%w: %v", ErrDeliveryFailed, lastErr)
}

func (e *Engine) attempt(ctx context.Context, endpoint string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Tracker exposes the engine's delivery tracker for wiring receipt updates.
func (e *Engine) Tracker() *Tracker { return e.tracker }
