package quarantine

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/ldtgate/internal/platform/lease"
)

const sweepLeaseName = "quarantine-sweeper"

// the lease outlives one interval so a slow sweep keeps it until release
const leaseTTLIntervals = 2

// Scheduler runs RunDue on a fixed interval. With a shared lease only one
// instance of a cluster sweeps per tick.
type Scheduler struct {
	manager  *Manager
	lease    lease.Lease
	interval time.Duration
	logger   zerolog.Logger
}

func NewScheduler(m *Manager, l lease.Lease, interval time.Duration, logger zerolog.Logger) *Scheduler {
	if l == nil {
		l = lease.Local()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{manager: m, lease: l, interval: interval, logger: logger}
}

// Run sweeps until ctx is done. It returns nil on cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("quarantine sweeper started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("quarantine sweeper stopped")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one sweep if the lease is available.
func (s *Scheduler) Tick(ctx context.Context) {
	release, ok, err := s.lease.Acquire(ctx, sweepLeaseName, leaseTTLIntervals*s.interval)
	if err != nil {
		s.logger.Warn().Err(err).Msg("sweeper lease unavailable")
		return
	}
	if !ok {
		s.logger.Debug().Msg("sweep held by another instance")
		return
	}
	defer func() {
		// release on a fresh context so a cancelled sweep still frees the lease
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := release(rctx); err != nil {
			s.logger.Warn().Err(err).Msg("release sweeper lease")
		}
	}()

	sum, err := s.manager.RunDue(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("quarantine sweep failed")
		return
	}
	if sum.Due > 0 {
		s.logger.Info().
			Int("due", sum.Due).
			Int("applied", sum.Applied).
			Int("requeued", sum.Requeued).
			Int("stale", sum.Stale).
			Int("interrupted", sum.Interrupted).
			Msg("quarantine sweep")
	}
}
