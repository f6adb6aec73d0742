package portalsync

import (
	"context"
	"log/slog"
	"time"
)

// Runner drives a dispatcher inside the API process. It drains on every
// interval tick and whenever Notify is called. Used when no asynq worker
// shares the outbox, e.g. with the in-memory ledger.
type Runner struct {
	dispatcher *Dispatcher
	interval   time.Duration
	logger     *slog.Logger
	kick       chan struct{}
}

// NewRunner constructs a runner.
func NewRunner(dispatcher *Dispatcher, interval time.Duration, logger *slog.Logger) *Runner {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		dispatcher: dispatcher,
		interval:   interval,
		logger:     logger,
		kick:       make(chan struct{}, 1),
	}
}

// Notify wakes the runner without blocking. Multiple calls before the next
// drain collapse into one.
func (r *Runner) Notify(ctx context.Context) error {
	select {
	case r.kick <- struct{}{}:
	default:
	}
	return nil
}

// Run blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-r.kick:
		}
		summary, err := r.dispatcher.Drain(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Error("portal sync relay failed", slog.Any("error", err))
			continue
		}
		if summary.Claimed > 0 {
			r.logger.Info("portal sync relay",
				slog.Int("claimed", summary.Claimed),
				slog.Int("delivered", summary.Delivered),
				slog.Int("retried", summary.Retried),
				slog.Int("dead", summary.Dead))
		}
	}
}
