package signing

import (
	"context"
	"log/slog"
	"time"
)

// Watcher drives confirmation polling for broadcast transactions on a fixed
// interval. Cancellation stops polling only; already-broadcast transactions
// remain on the network and are picked up again after a restart.
type Watcher struct {
	pipeline *Pipeline
	interval time.Duration
	log      *slog.Logger
}

// NewWatcher constructs a watcher. Interval defaults to ten seconds.
func NewWatcher(pipeline *Pipeline, interval time.Duration, log *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Watcher{pipeline: pipeline, interval: interval, log: log}
}

// Run blocks until the context is cancelled, polling on each tick.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.log.Info("confirmation watcher started", "interval", w.interval.String())
	for {
		select {
		case <-ctx.Done():
			w.log.Info("confirmation watcher stopped")
			return
		case <-ticker.C:
			if advanced := w.pipeline.PollOnce(ctx); advanced > 0 {
				w.log.Info("confirmations applied", "count", advanced)
			}
		}
	}
}
