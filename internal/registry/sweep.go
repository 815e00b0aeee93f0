package registry

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// RunStaleSweep periodically purges entries that haven't sent a heartbeat
// within staleTimeout, mirroring the node's own conversation maintenance
// sweep (§4.8). It blocks until ctx is cancelled.
func RunStaleSweep(ctx context.Context, store Store, staleTimeout time.Duration, interval time.Duration, log zerolog.Logger) {
	if staleTimeout <= 0 {
		staleTimeout = DefaultStaleTimeout
	}
	if interval <= 0 {
		interval = staleTimeout
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.PurgeStale(ctx, time.Now().Add(-staleTimeout))
			if err != nil {
				log.Error().Err(err).Msg("registry: stale sweep failed")
				continue
			}
			if n > 0 {
				log.Info().Int("purged", n).Msg("registry: purged stale agents")
			}
		}
	}
}
