package security

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// VerificationCache remembers recently verified (signature, publicKey)
// pairs for 5 minutes so a burst of envelopes from the same sender doesn't
// re-run Ed25519 verification on every filter pass (§4.4 step 6).
type VerificationCache struct {
	mu    sync.Mutex
	cache *lru.Cache[string, time.Time]
	ttl   time.Duration
}

// NewVerificationCache builds a cache capped at capacity entries with the
// given TTL (5 min per spec).
func NewVerificationCache(capacity int, ttl time.Duration) *VerificationCache {
	cache, err := lru.New[string, time.Time](capacity)
	if err != nil {
		panic(err)
	}
	return &VerificationCache{cache: cache, ttl: ttl}
}

func cacheKey(signature, publicKey string) string {
	sum := sha256.Sum256([]byte(signature + publicKey))
	return hex.EncodeToString(sum[:])
}

// Verified reports whether (signature, publicKey) verified successfully
// within the last ttl.
func (c *VerificationCache) Verified(signature, publicKey string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := cacheKey(signature, publicKey)
	expiresAt, ok := c.cache.Get(key)
	return ok && time.Now().Before(expiresAt)
}

// MarkVerified records a successful verification.
func (c *VerificationCache) MarkVerified(signature, publicKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Add(cacheKey(signature, publicKey), time.Now().Add(c.ttl))
}
