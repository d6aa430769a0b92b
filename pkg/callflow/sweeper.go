package callflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	DefaultSweepSchedule = "@every 15m"
	DefaultMaxIdle       = time.Hour
)

// Sweeper periodically drops ended sessions and terminates stale ones.
type Sweeper struct {
	manager  *Manager
	schedule string
	maxIdle  time.Duration
	logger   *slog.Logger
	cron     *cron.Cron
	cancel   context.CancelFunc
}

func NewSweeper(manager *Manager, schedule string, maxIdle time.Duration, logger *slog.Logger) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}

	if maxIdle <= 0 {
		maxIdle = DefaultMaxIdle
	}

	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule '%s': %w", schedule, err)
	}

	return &Sweeper{
		manager:  manager,
		schedule: schedule,
		maxIdle:  maxIdle,
		logger:   logger.With("module", "session_sweeper"),
	}, nil
}

func (s *Sweeper) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	s.cron = cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cron.DefaultLogger),
		cron.Recover(cron.DefaultLogger),
	))

	if _, err := s.cron.AddFunc(s.schedule, func() { s.sweep(ctx) }); err != nil {
		return fmt.Errorf("failed to add sweep job: %w", err)
	}

	s.cron.Start()
	s.logger.Info("Session sweeper started", "schedule", s.schedule, "max_idle", s.maxIdle)

	return nil
}

func (s *Sweeper) sweep(ctx context.Context) {
	removed := s.manager.Sweep(ctx, s.maxIdle)
	if removed > 0 {
		s.logger.InfoContext(ctx, "Swept sessions", "removed", removed)
	}
}

func (s *Sweeper) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}

	if s.cron == nil {
		return nil
	}

	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
		return ctx.Err()
	}

	s.logger.Info("Session sweeper stopped")

	return nil
}
