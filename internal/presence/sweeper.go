package presence

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

var errMissingSweepFunc = errors.New("presence: sweep function is required")

// SweepFunc performs one sweep step at the supplied instant.
type SweepFunc func(ctx context.Context, now time.Time)

// SweeperConfig describes a Sweeper.
type SweeperConfig struct {
	Interval time.Duration
	Clock    func() time.Time
	Sweep    SweepFunc
	Logger   *zap.Logger
}

// Sweeper invokes its SweepFunc on a fixed interval, independent of client
// traffic, until its context ends.
type Sweeper struct {
	interval time.Duration
	clock    func() time.Time
	sweep    SweepFunc
	logger   *zap.Logger
}

// NewSweeper validates the configuration and constructs a Sweeper.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Sweep == nil {
		return nil, errMissingSweepFunc
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{interval: interval, clock: clock, sweep: cfg.Sweep, logger: logger}, nil
}

// Run blocks, sweeping every interval, until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.logger.Info("presence sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("presence sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single sweep step at the sweeper's current clock reading.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	defer func() {
		if recovered := recover(); recovered != nil {
			s.logger.Error("presence sweep panicked", zap.Any("panic", recovered))
		}
	}()
	s.sweep(ctx, s.clock().UTC())
}
