package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/odyssey-pos/internal/jobs"
	"github.com/odyssey-erp/odyssey-pos/internal/portalsync"
)

// Drainer relays due sync events.
type Drainer interface {
	Drain(ctx context.Context) (portalsync.Summary, error)
}

// SyncRelayJob runs the portal relay inside the worker.
type SyncRelayJob struct {
	Dispatcher Drainer
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
	clock      func() time.Time
}

// NewSyncRelayJob initialises the relay handler.
func NewSyncRelayJob(dispatcher Drainer, logger *slog.Logger, metrics *jobmetrics.Metrics) *SyncRelayJob {
	return &SyncRelayJob{
		Dispatcher: dispatcher,
		Logger:     logger,
		Metrics:    metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle drains the outbox once. Delivery retries are owned by the outbox, so
// a failed relay run is not retried by asynq beyond its own MaxRetry.
func (j *SyncRelayJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Dispatcher == nil {
		return errors.New("sync relay: handler not configured")
	}
	var payload SyncRelayPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	start := j.now()
	tracker := j.Metrics.Track(TaskPortalSyncRelay)
	logger := j.logger().With(slog.String("trigger", payload.Trigger))

	summary, err := j.Dispatcher.Drain(ctx)
	if err != nil {
		logger.Error("sync relay failed", slog.Any("error", err))
		return tracker.End(err)
	}
	j.Metrics.AddRelayed(summary.Delivered, summary.Dead)
	if summary.Claimed > 0 {
		logger.Info("completed sync relay",
			slog.Int("claimed", summary.Claimed),
			slog.Int("delivered", summary.Delivered),
			slog.Int("retried", summary.Retried),
			slog.Int("dead", summary.Dead),
			slog.Duration("duration", time.Since(start)),
		)
	}
	return tracker.End(nil)
}

func (j *SyncRelayJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

func (j *SyncRelayJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
