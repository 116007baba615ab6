package sweeper

import (
	"context"
	"log/slog"
	"time"
)

// SchedulerConfig configures the periodic sweep.
type SchedulerConfig struct {
	Sweeper        *Sweeper
	Interval       time.Duration
	StallThreshold time.Duration
	Now            func() time.Time
	Logger         *slog.Logger
}

// Scheduler runs Sweep and Stalled on a fixed cadence.
type Scheduler struct {
	sweeper   *Sweeper
	interval  time.Duration
	threshold time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		sweeper:   cfg.Sweeper,
		interval:  interval,
		threshold: cfg.StallThreshold,
		now:       now,
		logger:    logger.With(slog.String("component", "sweeper-scheduler")),
	}
}

// Start runs one pass immediately and then every interval until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.sweeper == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		s.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single sweep and stall scan.
func (s *Scheduler) RunOnce(ctx context.Context) {
	now := s.now().UTC()
	ids, err := s.sweeper.Sweep(ctx, now)
	if err != nil && ctx.Err() == nil {
		s.logger.Error("sweep failed", slog.Any("error", err))
	}
	if len(ids) > 0 {
		s.logger.Info("sweep disputed deals", slog.Int("count", len(ids)))
	}
	if _, err := s.sweeper.Stalled(ctx, now, s.threshold); err != nil && ctx.Err() == nil {
		s.logger.Error("stall scan failed", slog.Any("error", err))
	}
}
