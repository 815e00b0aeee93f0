package security

import (
	"sync"
	"time"
)

// RateLimiter implements a true sliding window per key (default: per sender
// agent id) via a per-key timestamp log, matching the teacher's Redis
// sliding-window rate limiter (`ZADD`/`ZREMRANGEBYSCORE`/`ZCARD` against a
// per-key sorted set) but sharded in-process by key hash to avoid a single
// global lock on the hot ingress path (§5: "hot paths use per-shard locks
// keyed on agent id"). A fixed window would let a burst straddling a window
// boundary through at up to 2x the limit; pruning timestamps older than
// `window` on every call closes that gap exactly.
type RateLimiter struct {
	limit  int
	window time.Duration

	shards []*rlShard
}

type rlShard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// bucket holds the timestamps of requests still inside the trailing window,
// oldest first. len(hits) is the request's actual count over the last
// `window`, not an approximation.
type bucket struct {
	hits []time.Time
}

const shardCount = 32

// NewRateLimiter builds a limiter allowing limit requests per trailing
// window, per key.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	rl := &RateLimiter{limit: limit, window: window, shards: make([]*rlShard, shardCount)}
	for i := range rl.shards {
		rl.shards[i] = &rlShard{buckets: map[string]*bucket{}}
	}
	return rl
}

func (rl *RateLimiter) shardFor(key string) *rlShard {
	h := fnv32(key)
	return rl.shards[h%uint32(len(rl.shards))]
}

// Allow reports whether key may proceed under the configured limit,
// recording this request's timestamp if so.
func (rl *RateLimiter) Allow(key string) bool {
	shard := rl.shardFor(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	b, ok := shard.buckets[key]
	if !ok {
		b = &bucket{}
		shard.buckets[key] = b
	}
	b.hits = pruneBefore(b.hits, cutoff)

	if len(b.hits) >= rl.limit {
		return false
	}
	b.hits = append(b.hits, now)
	return true
}

// pruneBefore drops the leading run of timestamps at or before cutoff;
// hits are always appended in non-decreasing order, so the stale entries
// are always a prefix.
func pruneBefore(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return hits
	}
	return append(hits[:0], hits[i:]...)
}

// Sweep evicts buckets with no hits inside the trailing window, per §9's
// unbounded-growth guidance.
func (rl *RateLimiter) Sweep() {
	cutoff := time.Now().Add(-rl.window)
	for _, shard := range rl.shards {
		shard.mu.Lock()
		for key, b := range shard.buckets {
			b.hits = pruneBefore(b.hits, cutoff)
			if len(b.hits) == 0 {
				delete(shard.buckets, key)
			}
		}
		shard.mu.Unlock()
	}
}

func fnv32(s string) uint32 {
	const offset32 = 2166136261
	const prime32 = 16777619
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
