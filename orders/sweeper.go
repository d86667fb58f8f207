package orders

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper periodically expires orders whose expiry height has passed.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	log      *slog.Logger
}

// NewSweeper constructs a sweeper. Interval defaults to one minute.
func NewSweeper(manager *Manager, interval time.Duration, log *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{manager: manager, interval: interval, log: log}
}

// Run blocks until the context is cancelled, sweeping on each tick.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("expiry sweeper started", "interval", s.interval.String())
	for {
		select {
		case <-ctx.Done():
			s.log.Info("expiry sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.manager.SweepExpired(ctx); err != nil {
				s.log.Error("sweep expired orders", "error", err)
			}
		}
	}
}
