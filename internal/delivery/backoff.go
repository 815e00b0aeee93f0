package delivery

import (
	"math"
	"math/rand"
	"time"
)

// BackoffConfig implements the exponential-backoff-with-jitter formula from
// §4.7: delay = min(baseDelay * factor^i, maxDelay) * uniform(0.5, 1.0).
type BackoffConfig struct {
	BaseDelay  time.Duration
	Factor     float64
	MaxDelay   time.Duration
	MaxRetries int
}

// InteractiveBackoff is the default schedule used for synchronous sends.
func InteractiveBackoff() BackoffConfig {
	return BackoffConfig{
		BaseDelay:  time.Second,
		Factor:     2,
		MaxDelay:   30 * time.Second,
		MaxRetries: 3,
	}
}

// Delay returns the delay before attempt i (0-indexed).
func (c BackoffConfig) Delay(attempt int) time.Duration {
	raw := float64(c.BaseDelay) * math.Pow(c.Factor, float64(attempt))
	capped := math.Min(raw, float64(c.MaxDelay))
	jitter := 0.5 + rand.Float64()*0.5
	return time.Duration(capped * jitter)
}

// QueueSchedule is the coarser fixed retry schedule the queue worker uses,
// keyed directly on the entry's attempt count (§4.5, §4.7).
var QueueSchedule = []time.Duration{
	time.Minute,
	5 * time.Minute,
	30 * time.Minute,
	2 * time.Hour,
	12 * time.Hour,
}

// QueueDelay returns how long to wait before retrying a queue entry that
// has already failed attempts times. Once attempts reaches the schedule's
// length the entry has exhausted its retries.
func QueueDelay(attempts int) (delay time.Duration, exhausted bool) {
	if attempts >= len(QueueSchedule) {
		return 0, true
	}
	return QueueSchedule[attempts], false
}
