package conversation

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MaintenanceConfig configures the periodic sweep (§4.8).
type MaintenanceConfig struct {
	Interval    time.Duration // default 1h
	ApprovalTTL time.Duration // default DefaultApprovalTTL
	Retention   time.Duration // default ResolvedRetention

	// OnApprovalExpired, if set, is called for every approval id the sweep
	// auto-rejects for exceeding ApprovalTTL.
	OnApprovalExpired func(id uuid.UUID)
}

func (c MaintenanceConfig) withDefaults() MaintenanceConfig {
	if c.Interval == 0 {
		c.Interval = time.Hour
	}
	if c.ApprovalTTL == 0 {
		c.ApprovalTTL = DefaultApprovalTTL
	}
	if c.Retention == 0 {
		c.Retention = ResolvedRetention
	}
	return c
}

// RunMaintenance runs the conversation-expiry and approval-cleanup passes
// on a ticker until ctx is canceled. Intended to run in its own goroutine.
func RunMaintenance(ctx context.Context, convStore *Store, approvals *ApprovalInbox, cfg MaintenanceConfig, log zerolog.Logger) {
	cfg = cfg.withDefaults()
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweepOnce(convStore, approvals, cfg, log)
		}
	}
}

func sweepOnce(convStore *Store, approvals *ApprovalInbox, cfg MaintenanceConfig, log zerolog.Logger) {
	now := time.Now().UTC()

	expired, err := convStore.ExpireStale(now)
	if err != nil {
		log.Error().Err(err).Msg("conversation maintenance: expire stale failed")
	} else if expired > 0 {
		log.Info().Int("count", expired).Msg("conversation maintenance: expired stale conversations")
	}

	rejected, err := approvals.AutoRejectStale(cfg.ApprovalTTL, now)
	if err != nil {
		log.Error().Err(err).Msg("conversation maintenance: auto-reject failed")
	} else if len(rejected) > 0 {
		log.Info().Int("count", len(rejected)).Msg("conversation maintenance: auto-rejected stale approvals")
		if cfg.OnApprovalExpired != nil {
			for _, id := range rejected {
				cfg.OnApprovalExpired(id)
			}
		}
	}

	purged, err := approvals.PurgeResolved(cfg.Retention, now)
	if err != nil {
		log.Error().Err(err).Msg("conversation maintenance: purge failed")
	} else if purged > 0 {
		log.Info().Int("count", purged).Msg("conversation maintenance: purged resolved approvals")
	}
}
