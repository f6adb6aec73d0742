package inventory

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Key identifies one ledger row.
type Key struct {
	ProductID string
	VendorID  string
}

func (k Key) String() string {
	return k.ProductID + "/" + k.VendorID
}

// Record is the stock held by one vendor for one product.
type Record struct {
	ProductID         string    `json:"productId"`
	VendorID          string    `json:"vendorId"`
	QuantityAvailable int64     `json:"quantityAvailable"`
	LastSync          time.Time `json:"lastSync"`
	LastOrderID       string    `json:"lastOrderId,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Key returns the ledger key of the record.
func (r Record) Key() Key {
	return Key{ProductID: r.ProductID, VendorID: r.VendorID}
}

// MutationKind enumerates supported ledger mutations.
type MutationKind string

const (
	// MutationReplenish adds stock (refill).
	MutationReplenish MutationKind = "REPLENISH"
	// MutationCorrect sets stock absolutely (physical audit).
	MutationCorrect MutationKind = "CORRECT"
	// MutationConsume removes stock (sale).
	MutationConsume MutationKind = "CONSUME"
)

// Mutation describes one change to apply atomically against a record.
type Mutation struct {
	Kind     MutationKind
	Quantity int64
	Reason   string
	// OrderID is set for portal-originated consumption only.
	OrderID string
	At      time.Time
}

// Outcome tags how the atomic update touched the ledger.
type Outcome string

const (
	// OutcomeCreated means the record did not exist before the mutation.
	OutcomeCreated Outcome = "CREATED"
	// OutcomeUpdated means an existing record was changed.
	OutcomeUpdated Outcome = "UPDATED"
	// OutcomeReplayed means the order was already applied and nothing changed.
	OutcomeReplayed Outcome = "REPLAYED"
)

// ApplyResult is returned by Ledger.Apply.
type ApplyResult struct {
	Record  Record
	Outcome Outcome
}

// SyncStatus tracks outbound delivery of a SyncEvent.
type SyncStatus string

const (
	SyncPending   SyncStatus = "PENDING"
	SyncDelivered SyncStatus = "DELIVERED"
	SyncDead      SyncStatus = "DEAD"
)

// SyncEvent is one notification owed to the portal. It is written in the
// same step as the ledger change it describes.
type SyncEvent struct {
	ID            string       `json:"id"`
	Seq           int64        `json:"seq"`
	ProductID     string       `json:"productId"`
	VendorID      string       `json:"vendorId"`
	Kind          MutationKind `json:"kind"`
	Quantity      int64        `json:"quantity"`
	Reason        string       `json:"reason,omitempty"`
	OccurredAt    time.Time    `json:"occurredAt"`
	Status        SyncStatus   `json:"status"`
	Attempts      int          `json:"attempts"`
	NextAttemptAt time.Time    `json:"nextAttemptAt"`
	LastError     string       `json:"lastError,omitempty"`
	DeliveredAt   *time.Time   `json:"deliveredAt,omitempty"`
}

// Key returns the ledger key the event belongs to.
func (e SyncEvent) Key() Key {
	return Key{ProductID: e.ProductID, VendorID: e.VendorID}
}

var (
	// ErrValidation marks malformed input rejected before the ledger is touched.
	ErrValidation = errors.New("inventory: validation failed")
	// ErrNotFound indicates the record does not exist.
	ErrNotFound = errors.New("inventory: record not found")
	// ErrInsufficientStock indicates the stock guard rejected a consumption.
	ErrInsufficientStock = errors.New("inventory: insufficient stock")
	// ErrAPIKeyMissing indicates an inbound call without shared secret.
	ErrAPIKeyMissing = errors.New("API Key is missing")
	// ErrAPIKeyInvalid indicates an inbound call with a wrong shared secret.
	ErrAPIKeyInvalid = errors.New("Invalid API Key")
)

// InsufficientStockError reports the stock level observed by the guard.
type InsufficientStockError struct {
	Key       Key
	Requested int64
	Available int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("inventory: insufficient stock for %s: requested %d, available %d", e.Key, e.Requested, e.Available)
}

func (e *InsufficientStockError) Unwrap() error {
	return ErrInsufficientStock
}

// AvailableStock extracts the current stock reported by an insufficient stock error.
func AvailableStock(err error) (int64, bool) {
	var stockErr *InsufficientStockError
	if errors.As(err, &stockErr) {
		return stockErr.Available, true
	}
	return 0, false
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// apply computes the next state of a record. current is nil when the record
// does not exist yet. It never touches storage; ledgers call it while holding
// the per-key lock (row lock or mutex).
func apply(current *Record, key Key, m Mutation) (Record, Outcome, error) {
	if current == nil {
		switch m.Kind {
		case MutationConsume:
			return Record{}, "", fmt.Errorf("%w: %s", ErrNotFound, key)
		case MutationReplenish, MutationCorrect:
			rec := Record{ProductID: key.ProductID, VendorID: key.VendorID, CreatedAt: m.At}
			next, _, err := apply(&rec, key, m)
			return next, OutcomeCreated, err
		default:
			return Record{}, "", validationError("unknown mutation kind %q", m.Kind)
		}
	}
	next := *current
	switch m.Kind {
	case MutationReplenish:
		if m.Quantity > math.MaxInt64-current.QuantityAvailable {
			return Record{}, "", validationError("replenishing %d would overflow stock of %d for %s", m.Quantity, current.QuantityAvailable, key)
		}
		next.QuantityAvailable += m.Quantity
	case MutationCorrect:
		next.QuantityAvailable = m.Quantity
	case MutationConsume:
		if m.OrderID != "" && current.LastOrderID == m.OrderID {
			return *current, OutcomeReplayed, nil
		}
		if current.QuantityAvailable < m.Quantity {
			return Record{}, "", &InsufficientStockError{Key: key, Requested: m.Quantity, Available: current.QuantityAvailable}
		}
		next.QuantityAvailable -= m.Quantity
		if m.OrderID != "" {
			next.LastOrderID = m.OrderID
		}
	default:
		return Record{}, "", validationError("unknown mutation kind %q", m.Kind)
	}
	next.LastSync = m.At
	next.UpdatedAt = m.At
	return next, OutcomeUpdated, nil
}
