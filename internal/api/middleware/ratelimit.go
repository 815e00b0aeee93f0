package middleware

import (
	"net"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/ai2ai-protocol/ai2ai/internal/security"
)

// ConnLimiter is a coarse, IP-keyed rate limiter that runs before envelope
// parsing. It exists as a network-layer backstop; the per-agent limit that
// actually matters for protocol semantics is the Security Filters chain
// (§4.4 step 2), which runs after the envelope's `from.agent` is known.
type ConnLimiter struct {
	limiter *security.RateLimiter
	logger  zerolog.Logger
}

// NewConnLimiter wraps limiter, keying it on each request's remote IP.
func NewConnLimiter(limiter *security.RateLimiter, logger zerolog.Logger) *ConnLimiter {
	return &ConnLimiter{limiter: limiter, logger: logger}
}

// Middleware returns the connection-level rate limiting middleware.
func (c *ConnLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := RealIP(r)
		if !c.limiter.Allow(ip) {
			c.logger.Warn().
				Str("type", "security").
				Str("event", "conn_rate_limit_exceeded").
				Str("ip", ip).
				Str("path", r.URL.Path).
				Msg("connection rate limit exceeded")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":"rate limit exceeded"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RealIP extracts the real client IP from headers or connection, mirroring
// what a fronting load balancer would set.
func RealIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return ip
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}
