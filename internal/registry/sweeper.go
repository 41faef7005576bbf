package registry

import (
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// StartSweeper registers the three periodic cleanup sweeps (expired
// tunnels, expired verified keys, stale rate-limit entries) on a cron
// schedule and starts it. The returned *cron.Cron should be stopped by
// the caller during shutdown.
func (r *Registry) StartSweeper() *cron.Cron {
	c := cron.New()

	_, _ = c.AddFunc("@every 1m", func() {
		if n := r.CleanupExpiredTunnels(); n > 0 {
			log.Debug().Int("removed", n).Msg("swept expired disconnected tunnels")
		}
	})
	_, _ = c.AddFunc("@every 1m", func() {
		if n := r.CleanupExpiredKeys(); n > 0 {
			log.Debug().Int("removed", n).Msg("swept expired verified keys")
		}
	})
	_, _ = c.AddFunc("@every 1m", func() {
		if n := r.CleanupRateLimits(); n > 0 {
			log.Debug().Int("removed", n).Msg("swept stale rate-limit entries")
		}
	})

	c.Start()
	return c
}
