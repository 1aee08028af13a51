package sharing

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// ExpiredPurger is the part of Service the background purger needs.
type ExpiredPurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// Purger deletes expired grants on a fixed interval. Expired grants are
// already ignored by every read, so purging only reclaims rows.
type Purger struct {
	svc      ExpiredPurger
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

func NewPurger(svc ExpiredPurger, interval time.Duration, logger zerolog.Logger) *Purger {
	return &Purger{svc: svc, interval: interval, logger: logger, now: time.Now}
}

// Run blocks until ctx is cancelled. A non-positive interval returns
// immediately.
func (p *Purger) Run(ctx context.Context) {
	if p.interval <= 0 {
		return
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info().Dur("interval", p.interval).Msg("grant purger started")
	for {
		select {
		case <-ctx.Done():
			p.logger.Info().Msg("grant purger stopped")
			return
		case <-ticker.C:
			p.runOnce(ctx)
		}
	}
}

func (p *Purger) runOnce(ctx context.Context) int {
	n, err := p.svc.PurgeExpired(ctx, p.now())
	if err != nil {
		p.logger.Error().Err(err).Msg("purge expired grants")
		return 0
	}
	return n
}
