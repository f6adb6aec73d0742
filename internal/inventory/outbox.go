package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
)

const eventColumns = `id::text, seq, product_id, vendor_id, kind, quantity, reason, occurred_at, status, attempts, next_attempt_at, last_error, delivered_at`

// ClaimDue leases the oldest pending event of every key whose head is due.
// Later events of a key stay queued until the head is delivered or dead.
func (r *Repository) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]SyncEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `WITH heads AS (
	SELECT DISTINCT ON (product_id, vendor_id) id, seq, next_attempt_at
	FROM sync_events
	WHERE status = 'PENDING'
	ORDER BY product_id, vendor_id, seq
), due AS (
	SELECT id FROM heads WHERE next_attempt_at <= $1 ORDER BY seq LIMIT $3
)
UPDATE sync_events e
SET attempts = e.attempts + 1, next_attempt_at = $2
FROM due
WHERE e.id = due.id AND e.status = 'PENDING' AND e.next_attempt_at <= $1
RETURNING e.id::text, e.seq, e.product_id, e.vendor_id, e.kind, e.quantity, e.reason, e.occurred_at, e.status, e.attempts, e.next_attempt_at, e.last_error, e.delivered_at`, now, now.Add(lease), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	events := []SyncEvent{}
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
	return events, nil
}

// MarkDelivered records a successful delivery.
func (r *Repository) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	return r.execEvent(ctx, id, `UPDATE sync_events SET status='DELIVERED', delivered_at=$2, last_error='' WHERE id=$1`, at)
}

// MarkRetry schedules another attempt.
func (r *Repository) MarkRetry(ctx context.Context, id string, next time.Time, lastErr string) error {
	return r.execEvent(ctx, id, `UPDATE sync_events SET next_attempt_at=$2, last_error=$3 WHERE id=$1`, next, lastErr)
}

// MarkDead moves the event to the dead-letter state.
func (r *Repository) MarkDead(ctx context.Context, id string, lastErr string) error {
	return r.execEvent(ctx, id, `UPDATE sync_events SET status='DEAD', last_error=$2 WHERE id=$1`, lastErr)
}

// ListByStatus returns events with the given status ordered by sequence.
func (r *Repository) ListByStatus(ctx context.Context, status SyncStatus, limit int) ([]SyncEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT `+eventColumns+` FROM sync_events WHERE status=$1 ORDER BY seq LIMIT $2`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	events := []SyncEvent{}
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// Requeue puts a dead event back at the tail of its key's queue.
func (r *Repository) Requeue(ctx context.Context, id string, now time.Time) (SyncEvent, error) {
	row := r.pool.QueryRow(ctx, `UPDATE sync_events
SET status='PENDING', attempts=0, next_attempt_at=$2, last_error='', seq=nextval(pg_get_serial_sequence('sync_events','seq'))
WHERE id=$1 AND status='DEAD'
RETURNING `+eventColumns, id, now)
	evt, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		var status string
		lookupErr := r.pool.QueryRow(ctx, `SELECT status FROM sync_events WHERE id=$1`, id).Scan(&status)
		if errors.Is(lookupErr, pgx.ErrNoRows) {
			return SyncEvent{}, fmt.Errorf("%w: %s", ErrEventNotFound, id)
		}
		if lookupErr != nil {
			return SyncEvent{}, lookupErr
		}
		return SyncEvent{}, fmt.Errorf("%w: %s is %s", ErrEventNotDead, id, status)
	}
	return evt, err
}

// CountByStatus summarises the outbox.
func (r *Repository) CountByStatus(ctx context.Context) (map[SyncStatus]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM sync_events GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[SyncStatus]int{SyncPending: 0, SyncDelivered: 0, SyncDead: 0}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[SyncStatus(status)] = count
	}
	return counts, rows.Err()
}

func (r *Repository) execEvent(ctx context.Context, id, query string, args ...any) error {
	tag, err := r.pool.Exec(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrEventNotFound, id)
	}
	return nil
}

func scanEvent(row pgx.Row) (SyncEvent, error) {
	var (
		evt         SyncEvent
		kind        string
		status      string
		deliveredAt *time.Time
	)
	err := row.Scan(&evt.ID, &evt.Seq, &evt.ProductID, &evt.VendorID, &kind, &evt.Quantity, &evt.Reason,
		&evt.OccurredAt, &status, &evt.Attempts, &evt.NextAttemptAt, &evt.LastError, &deliveredAt)
	if err != nil {
		return SyncEvent{}, err
	}
	evt.Kind = MutationKind(kind)
	evt.Status = SyncStatus(status)
	evt.DeliveredAt = deliveredAt
	return evt, nil
}
