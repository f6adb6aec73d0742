package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/odyssey-pos/internal/platform/db"
)

// Repository persists the ledger and its outbox in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes the row-level operations used inside one ledger transaction.
type TxRepository interface {
	GetForUpdate(ctx context.Context, key Key) (Record, error)
	InsertIfAbsent(ctx context.Context, key Key, at time.Time) (bool, error)
	UpdateRecord(ctx context.Context, rec Record) error
	InsertEvent(ctx context.Context, evt SyncEvent) (int64, error)
}

type txRepository struct {
	tx pgx.Tx
}

const recordColumns = `product_id, vendor_id, quantity_available, last_sync, COALESCE(last_order_id, ''), created_at, updated_at`

// WithTx executes the callback inside a read-committed transaction. Row locks
// taken with GetForUpdate make concurrent writers on the same key wait and then
// observe the committed quantity instead of failing with a serialisation error.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("inventory repository not initialised")
	}
	return db.WithTx(ctx, r.pool, pgx.ReadCommitted, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

// Get returns the committed record for key.
func (r *Repository) Get(ctx context.Context, key Key) (Record, error) {
	if r == nil {
		return Record{}, errors.New("inventory repository not initialised")
	}
	row := r.pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM inventory_records WHERE product_id=$1 AND vendor_id=$2`, key.ProductID, key.VendorID)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return rec, err
}

// Apply locks the row, applies the mutation and writes the record together
// with its sync event in one transaction.
func (r *Repository) Apply(ctx context.Context, key Key, m Mutation, evt *SyncEvent) (ApplyResult, error) {
	var result ApplyResult
	err := r.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		created := false
		var current *Record
		rec, err := tx.GetForUpdate(ctx, key)
		switch {
		case err == nil:
			current = &rec
		case errors.Is(err, ErrNotFound) && m.Kind != MutationConsume:
			created, err = tx.InsertIfAbsent(ctx, key, m.At)
			if err != nil {
				return err
			}
			rec, err = tx.GetForUpdate(ctx, key)
			if err != nil {
				return err
			}
			current = &rec
		case errors.Is(err, ErrNotFound):
		default:
			return err
		}

		next, outcome, err := apply(current, key, m)
		if err != nil {
			return err
		}
		if created {
			outcome = OutcomeCreated
		}
		result = ApplyResult{Record: next, Outcome: outcome}
		if outcome == OutcomeReplayed {
			return nil
		}
		if err := tx.UpdateRecord(ctx, next); err != nil {
			return err
		}
		if evt != nil {
			if _, err := tx.InsertEvent(ctx, *evt); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return ApplyResult{}, err
	}
	return result, nil
}

func (r *txRepository) GetForUpdate(ctx context.Context, key Key) (Record, error) {
	row := r.tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM inventory_records WHERE product_id=$1 AND vendor_id=$2 FOR UPDATE`, key.ProductID, key.VendorID)
	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return rec, err
}

func (r *txRepository) InsertIfAbsent(ctx context.Context, key Key, at time.Time) (bool, error) {
	tag, err := r.tx.Exec(ctx, `INSERT INTO inventory_records (product_id, vendor_id, quantity_available, last_sync, created_at, updated_at)
VALUES ($1,$2,0,$3,$3,$3)
ON CONFLICT (product_id, vendor_id) DO NOTHING`, key.ProductID, key.VendorID, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *txRepository) UpdateRecord(ctx context.Context, rec Record) error {
	_, err := r.tx.Exec(ctx, `UPDATE inventory_records
SET quantity_available=$3, last_sync=$4, last_order_id=$5, updated_at=$6
WHERE product_id=$1 AND vendor_id=$2`, rec.ProductID, rec.VendorID, rec.QuantityAvailable, rec.LastSync, nullString(rec.LastOrderID), rec.UpdatedAt)
	return err
}

func (r *txRepository) InsertEvent(ctx context.Context, evt SyncEvent) (int64, error) {
	next := evt.NextAttemptAt
	if next.IsZero() {
		next = evt.OccurredAt
	}
	var seq int64
	err := r.tx.QueryRow(ctx, `INSERT INTO sync_events (id, product_id, vendor_id, kind, quantity, reason, occurred_at, status, attempts, next_attempt_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,'PENDING',0,$8) RETURNING seq`,
		evt.ID, evt.ProductID, evt.VendorID, string(evt.Kind), evt.Quantity, evt.Reason, evt.OccurredAt, next).Scan(&seq)
	return seq, err
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(&rec.ProductID, &rec.VendorID, &rec.QuantityAvailable, &rec.LastSync, &rec.LastOrderID, &rec.CreatedAt, &rec.UpdatedAt)
	return rec, err
}

func nullString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
