package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/alexjbarnes/tokengate/internal/metrics"
	"github.com/alexjbarnes/tokengate/internal/store"
)

// DefaultSweepInterval controls how often unusable token pairs are reaped.
const DefaultSweepInterval = 10 * time.Minute

// Sweeper periodically removes token pairs that can neither authorize a
// request nor be refreshed. Validation re-checks expiry on every call, so
// sweeping only reclaims space.
type Sweeper struct {
	tokens   store.TokenStore
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewSweeper returns a Sweeper. A non-positive interval uses
// DefaultSweepInterval; a nil now uses time.Now.
func NewSweeper(tokens store.TokenStore, interval time.Duration, now func() time.Time, logger *slog.Logger, m *metrics.Metrics) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if now == nil {
		now = time.Now
	}
	return &Sweeper{tokens: tokens, interval: interval, now: now, logger: logger, metrics: m}
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// Sweep runs one pass and returns how many pairs were removed. Failures
// are logged; the next pass retries.
func (s *Sweeper) Sweep(ctx context.Context) int {
	n, err := s.tokens.PurgeExpired(ctx, s.now())
	if err != nil {
		s.logger.Error("sweep failed",
			slog.String("op", "sweep"),
			slog.String("error", err.Error()),
		)
	}

	if n > 0 {
		s.logger.Info("swept expired tokens", slog.Int("purged", n))
		s.metrics.SweepPurged(n)
	}

	return n
}
