package governance

import (
	"context"
	"log"
	"time"

	"squadgoo.org/internal/obs"
)

// DefaultSweepInterval is used when no interval is configured.
const DefaultSweepInterval = 30 * time.Second

// Sweeper expires overdue limited grants on a fixed interval. It runs
// beside the request-handling goroutines and owns no state: every tick
// goes through Service.ExpireOverdue, the same transition path manual
// decisions use. Expiry may run late, it is never skipped or applied
// twice.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	logger   *log.Logger
}

// NewSweeper creates a sweeper around the service. Intervals below one
// second are raised to the default.
func NewSweeper(svc *Service, interval time.Duration) *Sweeper {
	if interval < time.Second {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		svc:      svc,
		interval: interval,
		logger:   obs.Logger(),
	}
}

// Run blocks until the context ends, sweeping once immediately and then
// on every tick.
func (s *Sweeper) Run(ctx context.Context) {
	s.Sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs a single pass. Per-grant failures are logged and left
// for the next tick.
func (s *Sweeper) Sweep(ctx context.Context) {
	expired, err := s.svc.ExpireOverdue(ctx)
	obs.SweeperTick()
	if expired > 0 {
		obs.GrantsExpired(expired)
		s.logger.Println(obs.EventLine("sweeper", "info", map[string]any{"expired": expired}))
	}
	if err != nil {
		s.logger.Println(obs.EventLine("sweeper", "warn", map[string]any{"error": err.Error()}))
	}
}
