package services

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
)

// Sweeper periodically closes rounds that outlived the round timeout.
type Sweeper struct {
	engine   *RoundEngine
	clock    quartz.Clock
	interval time.Duration
	logger   *log.Logger
}

func NewSweeper(engine *RoundEngine, clock quartz.Clock, interval time.Duration, logger *log.Logger) *Sweeper {
	return &Sweeper{engine: engine, clock: clock, interval: interval, logger: logger}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info("sweeper started", "interval", s.interval)
	w := s.clock.TickerFunc(ctx, s.interval, func() error {
		s.Sweep(ctx)
		return nil
	}, "sweeper")
	err := w.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (s *Sweeper) Sweep(ctx context.Context) int {
	n, err := s.engine.SweepExpired(ctx)
	if err != nil {
		s.logger.Error("sweep failed", "closed", n, "err", err)
	}
	if n > 0 {
		s.logger.Info("expired rounds closed", "count", n)
	}
	return n
}
