package security

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
)

// ReplayStore atomically checks whether key has been seen before and marks
// it seen, both nonce replay detection (§4.4 step 4) and envelope dedup
// (§4.4 step 7) are instances of the same check-and-mark operation, just
// with different key prefixes and retention windows.
type ReplayStore interface {
	// SeenAndMark returns true if key was already marked (a replay/duplicate).
	SeenAndMark(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// memReplayStore is a fixed-capacity, LRU-evicted in-memory ReplayStore.
// Entries additionally expire on their own TTL so a burst of never-evicted
// but stale keys can't poison a lookup after the retention window passes.
type memReplayStore struct {
	mu    sync.Mutex
	cache *lru.Cache[string, time.Time]
}

// newMemReplayStore builds an in-process store capped at capacity entries,
// evicting least-recently-used keys once full (§9: fixed-size LRU, default
// 10 000).
func newMemReplayStore(capacity int) *memReplayStore {
	cache, err := lru.New[string, time.Time](capacity)
	if err != nil {
		panic(err) // capacity <= 0, a programmer error
	}
	return &memReplayStore{cache: cache}
}

func (s *memReplayStore) SeenAndMark(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if expiresAt, ok := s.cache.Get(key); ok {
		if now.Before(expiresAt) {
			return true, nil
		}
		// stale entry past its TTL: treat as unseen and refresh
	}
	s.cache.Add(key, now.Add(ttl))
	return false, nil
}

// redisReplayStore backs replay/dedup state with Redis SETNX, letting a
// fleet of nodes sharing one Redis instance agree on nonce/dedup state.
type redisReplayStore struct {
	client *redis.Client
	prefix string
}

func newRedisReplayStore(client *redis.Client, prefix string) *redisReplayStore {
	return &redisReplayStore{client: client, prefix: prefix}
}

// NewRedisReplayStore builds a Redis-backed ReplayStore for use with
// Filters.WithRedis, keying entries under prefix so nonce and dedup state
// can share one Redis instance without colliding.
func NewRedisReplayStore(client *redis.Client, prefix string) ReplayStore {
	return newRedisReplayStore(client, prefix)
}

func (s *redisReplayStore) SeenAndMark(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.prefix+key, "1", ttl).Result()
	if err != nil {
		return false, err
	}
	// SetNX returns true if it set the key (i.e. wasn't seen before).
	return !ok, nil
}
