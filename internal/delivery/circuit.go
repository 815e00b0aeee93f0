package delivery

import (
	"sync"
	"time"

	"github.com/ai2ai-protocol/ai2ai/internal/metrics"
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker guards a single delivery endpoint. It never allows more
// than halfOpenMax concurrent probes while half-open.
type CircuitBreaker struct {
	mu sync.Mutex

	state            breakerState
	failures         int
	openedAt         time.Time
	halfOpenInFlight int

	failureThreshold int
	resetTimeout     time.Duration
	halfOpenMax      int

	endpoint string
	onChange StateChangeFunc
}

// StateChangeFunc is notified when a breaker opens or closes, letting a
// Node Orchestrator surface circuit-open/circuit-closed events (§4.12).
type StateChangeFunc func(endpoint string, open bool)

// BreakerConfig configures a CircuitBreaker's thresholds.
type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	HalfOpenMax      int
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.ResetTimeout == 0 {
		c.ResetTimeout = 60 * time.Second
	}
	if c.HalfOpenMax == 0 {
		c.HalfOpenMax = 1
	}
	return c
}

func newCircuitBreaker(cfg BreakerConfig, endpoint string, onChange StateChangeFunc) *CircuitBreaker {
	cfg = cfg.withDefaults()
	return &CircuitBreaker{
		failureThreshold: cfg.FailureThreshold,
		resetTimeout:     cfg.ResetTimeout,
		halfOpenMax:      cfg.HalfOpenMax,
		endpoint:         endpoint,
		onChange:         onChange,
	}
}

// Allow reports whether a call may proceed, transitioning open→half-open
// once resetTimeout has elapsed.
func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(c.openedAt) < c.resetTimeout {
			return false
		}
		c.state = stateHalfOpen
		c.halfOpenInFlight = 0
		metrics.CircuitBreakerState.WithLabelValues(c.endpoint).Set(1)
		fallthrough
	case stateHalfOpen:
		if c.halfOpenInFlight >= c.halfOpenMax {
			return false
		}
		c.halfOpenInFlight++
		return true
	}
	return false
}

// RecordSuccess closes the breaker and resets the failure counter.
func (c *CircuitBreaker) RecordSuccess() {
	c.mu.Lock()
	wasOpen := c.state != stateClosed
	c.state = stateClosed
	c.failures = 0
	c.halfOpenInFlight = 0
	c.mu.Unlock()

	metrics.CircuitBreakerState.WithLabelValues(c.endpoint).Set(0)
	if wasOpen && c.onChange != nil {
		c.onChange(c.endpoint, false)
	}
}

// RecordFailure counts a failed call, opening the breaker once the
// threshold is reached (or immediately, if the failure happened while
// half-open).
func (c *CircuitBreaker) RecordFailure() {
	c.mu.Lock()
	var justOpened bool
	if c.state == stateHalfOpen {
		justOpened = c.open()
	} else {
		c.failures++
		if c.failures >= c.failureThreshold {
			justOpened = c.open()
		}
	}
	c.mu.Unlock()

	if justOpened && c.onChange != nil {
		c.onChange(c.endpoint, true)
	}
}

// open transitions to stateOpen and reports whether that was a change from
// some other state. Caller must hold c.mu.
func (c *CircuitBreaker) open() bool {
	wasOpen := c.state == stateOpen
	c.state = stateOpen
	c.openedAt = time.Now()
	c.failures = 0
	c.halfOpenInFlight = 0
	metrics.CircuitBreakerState.WithLabelValues(c.endpoint).Set(2)
	return !wasOpen
}

// Breakers is a registry of one CircuitBreaker per endpoint URL.
type Breakers struct {
	mu       sync.Mutex
	cfg      BreakerConfig
	onChange StateChangeFunc
	byTarget map[string]*CircuitBreaker
}

// NewBreakers builds a registry using cfg for every endpoint it creates.
func NewBreakers(cfg BreakerConfig) *Breakers {
	return &Breakers{cfg: cfg, byTarget: make(map[string]*CircuitBreaker)}
}

// WithStateChange attaches a callback fired whenever any breaker in this
// registry opens or closes.
func (b *Breakers) WithStateChange(fn StateChangeFunc) *Breakers {
	b.onChange = fn
	return b
}

// Get returns the breaker for endpoint, creating it on first use.
func (b *Breakers) Get(endpoint string) *CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.byTarget[endpoint]
	if !ok {
		cb = newCircuitBreaker(b.cfg, endpoint, b.onChange)
		b.byTarget[endpoint] = cb
	}
	return cb
}
