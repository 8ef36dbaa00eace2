package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/berserksystems/instrumentality/internal/log"
	"github.com/berserksystems/instrumentality/internal/store"
)

// Sweeper reclaims leases older than the configured timeout so a provider
// that died mid-job cannot strand an entry. It clears the lease fields only;
// last_processed is untouched, so a reclaimed entry stays at the front of
// the queue.
type Sweeper struct {
	store    *store.Store
	timeout  time.Duration
	interval time.Duration
}

// NewSweeper builds a sweeper. The timeout must be strictly longer than the
// request timeout so an in-flight submission cannot have its lease stolen.
func NewSweeper(s *store.Store, timeout time.Duration) *Sweeper {
	return &Sweeper{
		store:    s,
		timeout:  timeout,
		interval: time.Second,
	}
}

// Run loops until ctx is cancelled. Spawned exactly once per process.
func (s *Sweeper) Run(ctx context.Context) error {
	logger := log.WithComponent("sweeper")
	logger.Info().
		Str("event", "sweeper.start").
		Dur("timeout", s.timeout).
		Msg("lease sweeper running")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Str("event", "sweeper.stop").Msg("lease sweeper stopped")
			return nil
		case <-ticker.C:
			n, err := SweepExpired(ctx, s.store.DB(), time.Now().Add(-s.timeout))
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				logger.Error().Err(err).Str("event", "sweeper.error").Msg("sweep failed")
				continue
			}
			if n > 0 {
				logger.Info().
					Str("event", "sweeper.reclaimed").
					Int64("leases", n).
					Msg("reclaimed expired leases")
			}
		}
	}
}

// SweepExpired clears every lease acquired before the cutoff and returns how
// many were reclaimed.
func SweepExpired(ctx context.Context, q store.Querier, cutoff time.Time) (int64, error) {
	res, err := q.ExecContext(ctx, `
	UPDATE queue SET lease_holder = NULL, lease_acquired_at = NULL
	WHERE lease_acquired_at IS NOT NULL AND lease_acquired_at < ?
	`, cutoff.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sweep expired leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	leasesReclaimed.Add(float64(n))
	return n, nil
}
