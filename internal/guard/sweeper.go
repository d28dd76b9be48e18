// ABOUTME: Periodic cleanup of idle rate-limit buckets, elapsed spend records and expired challenges
// ABOUTME: Runs on a ticker until its context is cancelled

package guard

import (
	"context"
	"log/slog"
	"time"

	"github.com/2389/agentgate/internal/ratelimit"
	"github.com/2389/agentgate/internal/spending"
	"github.com/2389/agentgate/internal/store"
)

// DefaultSweepInterval is how often the sweeper runs when none is configured.
const DefaultSweepInterval = time.Minute

// ChallengeCleaner removes challenges that expired before now.
type ChallengeCleaner interface {
	CleanExpiredChallenges(ctx context.Context, now time.Time) (int, error)
}

// SweepStats counts what one sweep removed.
type SweepStats struct {
	Buckets    int
	Records    int
	Challenges int
}

// Sweeper owns the background cleanup of ephemeral state.
type Sweeper struct {
	limiters   []*ratelimit.Limiter
	spending   *spending.Tracker
	challenges ChallengeCleaner
	interval   time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// SweeperConfig configures a Sweeper. Nil components are skipped.
type SweeperConfig struct {
	Limiters   []*ratelimit.Limiter
	Spending   *spending.Tracker
	Challenges ChallengeCleaner
	Interval   time.Duration
	Now        func() time.Time
	Logger     *slog.Logger
}

// NewSweeper creates a Sweeper.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	s := &Sweeper{
		limiters:   cfg.Limiters,
		spending:   cfg.Spending,
		challenges: cfg.Challenges,
		interval:   cfg.Interval,
		now:        cfg.Now,
		logger:     cfg.Logger,
	}
	if s.interval <= 0 {
		s.interval = DefaultSweepInterval
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "sweeper")
	return s
}

// Sweep runs one cleanup pass.
func (s *Sweeper) Sweep(ctx context.Context) SweepStats {
	var stats SweepStats
	for _, l := range s.limiters {
		if l != nil {
			stats.Buckets += l.Sweep()
		}
	}
	if s.spending != nil {
		stats.Records = s.spending.Cleanup()
	}
	if s.challenges != nil {
		n, err := s.challenges.CleanExpiredChallenges(ctx, s.now())
		if err != nil {
			s.logger.Warn("failed to clean expired challenges", "error", err)
		}
		stats.Challenges = n
	}
	if stats != (SweepStats{}) {
		s.logger.Debug("sweep complete",
			"buckets", stats.Buckets, "records", stats.Records, "challenges", stats.Challenges)
	}
	return stats
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

var _ ChallengeCleaner = (store.IdentityStore)(nil)
