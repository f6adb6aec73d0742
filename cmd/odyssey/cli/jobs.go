package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/odyssey-erp/odyssey-pos/jobs"
)

// JobsCLI wraps manual management helpers for Asynq jobs.
type JobsCLI struct {
	client    *asynq.Client
	inspector *asynq.Inspector
}

// NewJobsCLI initialises the CLI helpers using the provided Redis address.
func NewJobsCLI(redisAddr string) (*JobsCLI, error) {
	if redisAddr == "" {
		return nil, errors.New("jobs cli: redis address required")
	}
	client := asynq.NewClient(asynq.RedisClientOpt{Addr: redisAddr})
	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: redisAddr})
	return &JobsCLI{client: client, inspector: inspector}, nil
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	if c.inspector != nil {
		if closeErr := c.inspector.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if c.client != nil {
		if closeErr := c.client.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// Trigger enqueues a supported job by name with default payload.
func (c *JobsCLI) Trigger(ctx context.Context, name string) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	var task *asynq.Task
	var err error
	switch name {
	case jobs.TaskPortalSyncRelay:
		task, err = jobs.NewSyncRelayTask("cli", time.Now())
	default:
		return nil, fmt.Errorf("jobs cli: unsupported job %s", name)
	}
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task, asynq.MaxRetry(3))
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
}

// InspectQueue reports the queue metrics for the default queue.
func (c *JobsCLI) InspectQueue(ctx context.Context) (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	info, err := c.inspector.GetQueueInfo(jobs.QueueDefault)
	if err != nil {
		return QueueStats{}, err
	}
	stats := QueueStats{Queue: jobs.QueueDefault}
	if info != nil {
		stats.Pending = info.Pending
		stats.Active = info.Active
		stats.Scheduled = info.Scheduled
		stats.Retry = info.Retry
		stats.Archived = info.Archived
	}
	return stats, nil
}

// NewJobsCommand creates the jobs command group.
func NewJobsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Manage background jobs",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "trigger [job]",
		Short: "Enqueue a job now (default " + jobs.TaskPortalSyncRelay + ")",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := jobs.TaskPortalSyncRelay
			if len(args) == 1 {
				name = args[0]
			}
			return runJobsTrigger(rootOpts, cmd, name)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show queue statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runJobsStats(rootOpts, cmd)
		},
	})
	return cmd
}

func openJobsCLI(rootOpts *RootOptions, cmd *cobra.Command) (*JobsCLI, *OutputFormatter, error) {
	out := rootOpts.formatter(cmd)
	cfg, _, err := rootOpts.bootstrap(cmd)
	if err != nil {
		return nil, out, err
	}
	jobsCLI, err := NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		return nil, out, out.Error(ExitCommandError, "init jobs cli", err)
	}
	return jobsCLI, out, nil
}

func runJobsTrigger(rootOpts *RootOptions, cmd *cobra.Command, name string) error {
	jobsCLI, out, err := openJobsCLI(rootOpts, cmd)
	if err != nil {
		return err
	}
	defer jobsCLI.Close()

	info, err := jobsCLI.Trigger(cmd.Context(), name)
	if err != nil {
		return out.Error(ExitFailure, "trigger "+name, err)
	}
	data := map[string]string{"id": info.ID, "type": info.Type, "queue": info.Queue}
	return out.Success(data, func(w io.Writer) {
		fmt.Fprintf(w, "enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
	})
}

func runJobsStats(rootOpts *RootOptions, cmd *cobra.Command) error {
	jobsCLI, out, err := openJobsCLI(rootOpts, cmd)
	if err != nil {
		return err
	}
	defer jobsCLI.Close()

	stats, err := jobsCLI.InspectQueue(cmd.Context())
	if err != nil {
		return out.Error(ExitFailure, "inspect queue", err)
	}
	return out.Success(stats, func(w io.Writer) {
		fmt.Fprintf(w, "queue=%s pending=%d active=%d scheduled=%d retry=%d archived=%d\n",
			stats.Queue, stats.Pending, stats.Active, stats.Scheduled, stats.Retry, stats.Archived)
	})
}
