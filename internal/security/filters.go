// Package security implements the ordered inbound filter chain from §4.4:
// blocklist, rate limit, expiry, nonce replay, envelope shape, signature
// verification, dedup. Ordering is normative — rate-limit runs before any
// cryptographic work, and dedup runs after signature verification so an
// unverified replay can never poison the dedup table.
package security

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/ai2ai-protocol/ai2ai/internal/contacts"
	"github.com/ai2ai-protocol/ai2ai/internal/envelope"
)

// Reason mirrors the `reason` field of the HTTP response table in §6.
type Reason string

const (
	ReasonOK               Reason = "ok"
	ReasonBlocked          Reason = "blocked"
	ReasonRateLimited      Reason = "rate_limited"
	ReasonMessageExpired   Reason = "message_expired"
	ReasonReplayDetected   Reason = "replay_detected"
	ReasonInvalidEnvelope  Reason = "invalid_envelope"
	ReasonInvalidSignature Reason = "invalid_signature"
	ReasonDuplicate        Reason = "duplicate"
)

// Outcome is the result of running the filter chain.
type Outcome struct {
	Reason     Reason
	HTTPStatus int
}

func ok() Outcome { return Outcome{Reason: ReasonOK, HTTPStatus: http.StatusOK} }

// Config configures filter thresholds; zero values fall back to spec defaults.
type Config struct {
	RateLimit           int
	RateLimitWindow     time.Duration
	MessageTTL          time.Duration
	NonceWindow         time.Duration
	DedupCapacity       int
	DedupTTL            time.Duration
	VerifyCacheCapacity int
	VerifyCacheTTL      time.Duration
}

func (c Config) withDefaults() Config {
	if c.RateLimit == 0 {
		c.RateLimit = 20
	}
	if c.RateLimitWindow == 0 {
		c.RateLimitWindow = 60 * time.Second
	}
	if c.MessageTTL == 0 {
		c.MessageTTL = 24 * time.Hour
	}
	if c.NonceWindow == 0 {
		c.NonceWindow = time.Hour
	}
	if c.DedupCapacity == 0 {
		c.DedupCapacity = 10_000
	}
	if c.DedupTTL == 0 {
		c.DedupTTL = time.Hour
	}
	if c.VerifyCacheCapacity == 0 {
		c.VerifyCacheCapacity = 10_000
	}
	if c.VerifyCacheTTL == 0 {
		c.VerifyCacheTTL = 5 * time.Minute
	}
	return c
}

// Filters is the wired chain used by the ingress pipeline.
type Filters struct {
	cfg      Config
	contacts *contacts.Registry

	rateLimiter *RateLimiter
	nonces      ReplayStore
	dedup       ReplayStore
	verifyCache *VerificationCache
}

// New builds a Filters chain backed purely by in-process caches.
func New(contactReg *contacts.Registry, cfg Config) *Filters {
	cfg = cfg.withDefaults()
	return &Filters{
		cfg:         cfg,
		contacts:    contactReg,
		rateLimiter: NewRateLimiter(cfg.RateLimit, cfg.RateLimitWindow),
		nonces:      newMemReplayStore(cfg.DedupCapacity),
		dedup:       newMemReplayStore(cfg.DedupCapacity),
		verifyCache: NewVerificationCache(cfg.VerifyCacheCapacity, cfg.VerifyCacheTTL),
	}
}

// WithRedis swaps the nonce and dedup stores for Redis-backed ones so a
// cluster of nodes sharing state agrees on replay/dedup decisions.
func (f *Filters) WithRedis(nonces, dedup ReplayStore) *Filters {
	f.nonces = nonces
	f.dedup = dedup
	return f
}

// Apply runs the ordered filter chain against an inbound envelope.
// candidates is the sender's known Ed25519 public keys (current + archived);
// an empty slice means the sender is unknown, in which case signature
// verification is skipped (§3 invariant) but the caller must still treat
// the envelope as unverified for approval-gating purposes.
func (f *Filters) Apply(ctx context.Context, e *envelope.Envelope, candidates []ed25519.PublicKey) Outcome {
	if f.contacts.IsBlocked(e.From.Agent) {
		return Outcome{ReasonBlocked, http.StatusForbidden}
	}

	if !f.rateLimiter.Allow(e.From.Agent) {
		return Outcome{ReasonRateLimited, http.StatusTooManyRequests}
	}

	if !f.withinFreshnessWindow(e) {
		return Outcome{ReasonMessageExpired, http.StatusBadRequest}
	}

	if e.Nonce != "" {
		replayKey := e.From.Agent + ":" + e.To.Agent + ":" + e.Nonce
		seen, err := f.nonces.SeenAndMark(ctx, replayKey, f.cfg.NonceWindow)
		if err != nil {
			return Outcome{ReasonInvalidEnvelope, http.StatusInternalServerError}
		}
		if seen {
			return Outcome{ReasonReplayDetected, http.StatusBadRequest}
		}
	}

	if err := envelope.ValidateShape(e); err != nil {
		return Outcome{ReasonInvalidEnvelope, http.StatusBadRequest}
	}

	if len(candidates) > 0 {
		if !f.verifySignature(e, candidates) {
			return Outcome{ReasonInvalidSignature, http.StatusForbidden}
		}
	}

	dup, err := f.dedup.SeenAndMark(ctx, e.ID.String(), f.cfg.DedupTTL)
	if err != nil {
		return Outcome{ReasonInvalidEnvelope, http.StatusInternalServerError}
	}
	if dup {
		return Outcome{ReasonDuplicate, http.StatusOK}
	}

	return ok()
}

func (f *Filters) withinFreshnessWindow(e *envelope.Envelope) bool {
	now := time.Now().UTC()
	age := now.Sub(e.Timestamp.UTC())
	if age < 0 || age > f.cfg.MessageTTL {
		return false
	}
	if e.ExpiresAt != nil && now.After(*e.ExpiresAt) {
		return false
	}
	return true
}

func (f *Filters) verifySignature(e *envelope.Envelope, candidates []ed25519.PublicKey) bool {
	keyIDs := make([]string, len(candidates))
	for i, c := range candidates {
		keyIDs[i] = base64.StdEncoding.EncodeToString(c)
	}
	joined := strings.Join(keyIDs, ",")

	if f.verifyCache.Verified(e.Signature, joined) {
		return true
	}
	if envelope.Verify(e, candidates) == nil {
		f.verifyCache.MarkVerified(e.Signature, joined)
		return true
	}
	return false
}

// Sweep runs periodic maintenance on the rate limiter's bucket map. Nonce
// and dedup stores self-expire via their own TTL/LRU eviction.
func (f *Filters) Sweep() {
	f.rateLimiter.Sweep()
}
