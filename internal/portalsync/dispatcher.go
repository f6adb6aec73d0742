package portalsync

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-pos/internal/inventory"
)

// Outbox is the durable queue of sync events.
type Outbox interface {
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]inventory.SyncEvent, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	MarkRetry(ctx context.Context, id string, next time.Time, lastErr string) error
	MarkDead(ctx context.Context, id string, lastErr string) error
	ListByStatus(ctx context.Context, status inventory.SyncStatus, limit int) ([]inventory.SyncEvent, error)
	Requeue(ctx context.Context, id string, now time.Time) (inventory.SyncEvent, error)
	CountByStatus(ctx context.Context) (map[inventory.SyncStatus]int, error)
}

// Sender transmits one event to the portal.
type Sender interface {
	Send(ctx context.Context, evt inventory.SyncEvent) error
}

// Policy tunes delivery.
type Policy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	BatchSize   int
	Concurrency int
	// Lease hides a claimed event from other relays while it is in flight.
	Lease time.Duration
	// MaxRounds bounds Drain.
	MaxRounds int
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 8,
		BaseBackoff: 2 * time.Second,
		MaxBackoff:  5 * time.Minute,
		BatchSize:   100,
		Concurrency: 8,
		Lease:       time.Minute,
		MaxRounds:   50,
	}
}

func (p Policy) normalise() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BaseBackoff <= 0 {
		p.BaseBackoff = def.BaseBackoff
	}
	if p.MaxBackoff < p.BaseBackoff {
		p.MaxBackoff = p.BaseBackoff
	}
	if p.BatchSize <= 0 {
		p.BatchSize = def.BatchSize
	}
	if p.Concurrency <= 0 {
		p.Concurrency = def.Concurrency
	}
	if p.Lease <= 0 {
		p.Lease = def.Lease
	}
	if p.MaxRounds <= 0 {
		p.MaxRounds = def.MaxRounds
	}
	return p
}

// Backoff returns the delay before attempt+1, doubling from BaseBackoff and
// capped at MaxBackoff.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxBackoff || delay <= 0 {
			return p.MaxBackoff
		}
	}
	if delay > p.MaxBackoff {
		return p.MaxBackoff
	}
	return delay
}

// Status is the settled state of one dispatch.
type Status string

const (
	StatusDelivered Status = "delivered"
	StatusRetry     Status = "retry"
	StatusDead      Status = "dead"
)

// Result reports how one event was settled.
type Result struct {
	EventID   string
	Status    Status
	Attempts  int
	NextRetry time.Time
	Err       error
}

// Summary aggregates one relay round.
type Summary struct {
	Claimed   int
	Delivered int
	Retried   int
	Dead      int
}

func (s *Summary) add(other Summary) {
	s.Claimed += other.Claimed
	s.Delivered += other.Delivered
	s.Retried += other.Retried
	s.Dead += other.Dead
}

// Dispatcher relays pending events to the portal. Each claimed event is the
// head of its key, so per-key order holds while distinct keys run in parallel.
type Dispatcher struct {
	outbox  Outbox
	sender  Sender
	policy  Policy
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

// Option customises the dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics attaches Prometheus collectors.
func WithMetrics(metrics *Metrics) Option {
	return func(d *Dispatcher) { d.metrics = metrics }
}

// WithClock overrides time.Now.
func WithClock(clock func() time.Time) Option {
	return func(d *Dispatcher) {
		if clock != nil {
			d.now = clock
		}
	}
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher(outbox Outbox, sender Sender, policy Policy, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		outbox: outbox,
		sender: sender,
		policy: policy.normalise(),
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Policy returns the effective policy.
func (d *Dispatcher) Policy() Policy {
	return d.policy
}

// Dispatch sends one claimed event and settles it in the outbox.
func (d *Dispatcher) Dispatch(ctx context.Context, evt inventory.SyncEvent) (Result, error) {
	sendErr := d.sender.Send(ctx, evt)
	now := d.now()
	result := Result{EventID: evt.ID, Attempts: evt.Attempts, Err: sendErr}
	logger := d.logger.With(
		slog.String("event_id", evt.ID),
		slog.String("kind", string(evt.Kind)),
		slog.String("product_id", evt.ProductID),
		slog.String("vendor_id", evt.VendorID),
		slog.Int("attempt", evt.Attempts))

	if sendErr == nil {
		result.Status = StatusDelivered
		d.metrics.observe(evt.Kind, StatusDelivered)
		return result, d.outbox.MarkDelivered(ctx, evt.ID, now)
	}

	if ctx.Err() != nil {
		// Shutdown mid-flight; leave the lease to expire so the event is retried.
		return result, ctx.Err()
	}

	if IsRetryable(sendErr) && evt.Attempts < d.policy.MaxAttempts {
		result.Status = StatusRetry
		result.NextRetry = now.Add(d.policy.Backoff(evt.Attempts))
		logger.Warn("portal sync failed, will retry",
			slog.Time("next_attempt_at", result.NextRetry),
			slog.Any("error", sendErr))
		d.metrics.observe(evt.Kind, StatusRetry)
		return result, d.outbox.MarkRetry(ctx, evt.ID, result.NextRetry, sendErr.Error())
	}

	result.Status = StatusDead
	logger.Error("portal sync dead-lettered", slog.Any("error", sendErr))
	d.metrics.observe(evt.Kind, StatusDead)
	return result, d.outbox.MarkDead(ctx, evt.ID, sendErr.Error())
}

// RunOnce claims due events and dispatches them with bounded concurrency.
func (d *Dispatcher) RunOnce(ctx context.Context) (Summary, error) {
	events, err := d.outbox.ClaimDue(ctx, d.now(), d.policy.BatchSize, d.policy.Lease)
	if err != nil {
		return Summary{}, err
	}
	summary := Summary{Claimed: len(events)}
	if len(events) == 0 {
		return summary, nil
	}

	results := make([]Result, len(events))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(d.policy.Concurrency)
	for i, evt := range events {
		group.Go(func() error {
			res, err := d.Dispatch(groupCtx, evt)
			results[i] = res
			if err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Error("settle sync event", slog.String("event_id", evt.ID), slog.Any("error", err))
			}
			return nil
		})
	}
	_ = group.Wait()

	for _, res := range results {
		switch res.Status {
		case StatusDelivered:
			summary.Delivered++
		case StatusRetry:
			summary.Retried++
		case StatusDead:
			summary.Dead++
		}
	}
	return summary, ctx.Err()
}

// Drain runs rounds until nothing is due or MaxRounds is reached.
func (d *Dispatcher) Drain(ctx context.Context) (Summary, error) {
	var total Summary
	for round := 0; round < d.policy.MaxRounds; round++ {
		summary, err := d.RunOnce(ctx)
		total.add(summary)
		if err != nil {
			return total, err
		}
		// Only a settled head can expose a due successor.
		if summary.Claimed == 0 || summary.Delivered+summary.Dead == 0 {
			break
		}
	}
	d.refreshDepth(ctx)
	return total, nil
}

// Requeue moves a dead-lettered event back into the queue.
func (d *Dispatcher) Requeue(ctx context.Context, id string) (inventory.SyncEvent, error) {
	evt, err := d.outbox.Requeue(ctx, id, d.now())
	if err != nil {
		return inventory.SyncEvent{}, err
	}
	d.logger.Info("sync event requeued", slog.String("event_id", id), slog.Int64("seq", evt.Seq))
	d.refreshDepth(ctx)
	return evt, nil
}

// DeadLetters lists dead-lettered events.
func (d *Dispatcher) DeadLetters(ctx context.Context, limit int) ([]inventory.SyncEvent, error) {
	return d.outbox.ListByStatus(ctx, inventory.SyncDead, limit)
}

// Pending lists events awaiting delivery.
func (d *Dispatcher) Pending(ctx context.Context, limit int) ([]inventory.SyncEvent, error) {
	return d.outbox.ListByStatus(ctx, inventory.SyncPending, limit)
}

// Counts summarises the outbox by status.
func (d *Dispatcher) Counts(ctx context.Context) (map[inventory.SyncStatus]int, error) {
	return d.outbox.CountByStatus(ctx)
}

func (d *Dispatcher) refreshDepth(ctx context.Context) {
	if d.metrics == nil {
		return
	}
	counts, err := d.outbox.CountByStatus(ctx)
	if err != nil {
		d.logger.Warn("count sync events", slog.Any("error", err))
		return
	}
	d.metrics.setDepth(counts)
}
