package jobs

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/odyssey-pos/internal/inventory"
	"github.com/odyssey-erp/odyssey-pos/internal/platform/httpx"
)

// Worker wraps the Asynq server and optional scheduler.
type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	scheduler *asynq.Scheduler
	logger    *slog.Logger
}

// TaskHandler allows injecting custom Asynq handlers during worker setup.
type TaskHandler struct {
	Type    string
	Handler asynq.HandlerFunc
}

// CronRegistration wires a cron expression to a prepared task.
type CronRegistration struct {
	Spec    string
	Task    *asynq.Task
	Options []asynq.Option
}

// WorkerConfig collects dependencies required to bootstrap the worker.
type WorkerConfig struct {
	RedisOpts   asynq.RedisClientOpt
	Logger      *slog.Logger
	Concurrency int
	Handlers    []TaskHandler
	Cron        []CronRegistration
}

// NewWorker constructs a Worker instance.
func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	srv := asynq.NewServer(cfg.RedisOpts, asynq.Config{
		Concurrency: cfg.Concurrency,
		Queues: map[string]int{
			QueueDefault: 1,
		},
	})
	mux := asynq.NewServeMux()
	for _, h := range cfg.Handlers {
		if h.Type == "" || h.Handler == nil {
			continue
		}
		mux.HandleFunc(h.Type, h.Handler)
	}

	var scheduler *asynq.Scheduler
	if len(cfg.Cron) > 0 {
		scheduler = asynq.NewScheduler(cfg.RedisOpts, &asynq.SchedulerOpts{Location: time.UTC})
		for _, entry := range cfg.Cron {
			if entry.Spec == "" || entry.Task == nil {
				continue
			}
			if _, err := scheduler.Register(entry.Spec, entry.Task, entry.Options...); err != nil {
				return nil, err
			}
		}
	}

	return &Worker{server: srv, mux: mux, scheduler: scheduler, logger: cfg.Logger}, nil
}

// Run starts processing jobs until context cancellation.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil {
		return errors.New("worker: not configured")
	}
	if w.scheduler != nil {
		if err := w.scheduler.Start(); err != nil {
			return err
		}
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- w.server.Run(w.mux)
	}()
	w.logger.Info("worker started")
	select {
	case <-ctx.Done():
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		w.server.Shutdown()
		return ctx.Err()
	case err := <-errCh:
		if w.scheduler != nil {
			w.scheduler.Shutdown()
		}
		return err
	}
}

// Client submits relay runs to the queue. It implements inventory.Notifier so
// the API process can wake the worker right after a commit.
type Client struct {
	client    *asynq.Client
	uniqueFor time.Duration
	now       func() time.Time
}

// NewClient constructs an Asynq client. Notifications within uniqueFor of a
// queued relay collapse into it.
func NewClient(redisOpts asynq.RedisClientOpt, uniqueFor time.Duration) (*Client, error) {
	if uniqueFor <= 0 {
		uniqueFor = 5 * time.Second
	}
	client := asynq.NewClient(redisOpts)
	return &Client{client: client, uniqueFor: uniqueFor, now: time.Now}, nil
}

// EnqueueSyncRelay enqueues a relay run.
func (c *Client) EnqueueSyncRelay(ctx context.Context, trigger string) (*asynq.TaskInfo, error) {
	task, err := NewSyncRelayTask(trigger, c.now())
	if err != nil {
		return nil, err
	}
	return c.enqueue(ctx, task)
}

// Notify requests a relay run unless one is already queued. The payload has
// no timestamp so that asynq's uniqueness check sees identical tasks.
func (c *Client) Notify(ctx context.Context) error {
	task, err := NewSyncRelayTask("commit", time.Time{})
	if err != nil {
		return err
	}
	_, err = c.enqueue(ctx, task, asynq.Unique(c.uniqueFor))
	if errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	return err
}

func (c *Client) enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	opts = append([]asynq.Option{asynq.Queue(QueueDefault), asynq.MaxRetry(3)}, opts...)
	return c.client.EnqueueContext(ctx, task, opts...)
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}

var _ inventory.Notifier = (*Client)(nil)

// SyncStats reports outbox depth.
type SyncStats interface {
	Counts(ctx context.Context) (map[inventory.SyncStatus]int, error)
}

// Handler exposes HTTP endpoints for job observability.
type Handler struct {
	inspector *asynq.Inspector
	stats     SyncStats
	logger    *slog.Logger
}

// NewHandler constructs an HTTP handler for jobs endpoints. inspector and
// stats are optional.
func NewHandler(inspector *asynq.Inspector, stats SyncStats, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{inspector: inspector, stats: stats, logger: logger}
}

// MountRoutes attaches job routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/health", h.health)
}

type healthResponse struct {
	Queue   string                       `json:"queue"`
	Pending int                          `json:"pending"`
	Sync    map[inventory.SyncStatus]int `json:"sync,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Queue: QueueDefault}
	if h.inspector != nil {
		info, err := h.inspector.GetQueueInfo(QueueDefault)
		if err != nil {
			h.logger.Warn("jobs health", slog.Any("error", err))
			httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "queue unavailable")
			return
		}
		if info != nil {
			resp.Pending = info.Pending
			resp.Queue = info.Queue
		}
	}
	if h.stats != nil {
		counts, err := h.stats.Counts(r.Context())
		if err != nil {
			h.logger.Warn("jobs health sync counts", slog.Any("error", err))
			httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "outbox unavailable")
			return
		}
		resp.Sync = counts
	}
	httpx.JSON(w, http.StatusOK, resp)
}
