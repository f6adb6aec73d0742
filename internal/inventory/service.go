package inventory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-pos/internal/shared"
)

// Ledger is the stock store. Apply must run the read-check-write of one key
// as a single linearizable step and make evt visible together with the change.
type Ledger interface {
	Get(ctx context.Context, key Key) (Record, error)
	Apply(ctx context.Context, key Key, m Mutation, evt *SyncEvent) (ApplyResult, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Notifier is told when new sync events were committed.
type Notifier interface {
	Notify(ctx context.Context) error
}

// Service applies stock mutations and hands the portal notification off to
// the outbox.
type Service struct {
	ledger    Ledger
	audit     AuditPort
	notifier  Notifier
	logger    *slog.Logger
	validator *validator.Validate
	now       func() time.Time
}

// ServiceConfig groups optional collaborators.
type ServiceConfig struct {
	Audit    AuditPort
	Notifier Notifier
	Logger   *slog.Logger
	Clock    func() time.Time
}

// NewService builds Service.
func NewService(ledger Ledger, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		ledger:    ledger,
		audit:     cfg.Audit,
		notifier:  cfg.Notifier,
		logger:    logger,
		validator: validator.New(),
		now:       clock,
	}
}

// ReplenishInput adds stock to a record, creating it when absent.
type ReplenishInput struct {
	ProductID string `validate:"required"`
	VendorID  string `validate:"required"`
	Quantity  int64  `validate:"gte=1"`
}

// CorrectInput sets the absolute quantity after a physical audit.
type CorrectInput struct {
	ProductID   string `validate:"required"`
	VendorID    string `validate:"required"`
	NewQuantity int64  `validate:"gte=0"`
	Reason      string
}

// ConsumeInput removes stock for an in-store sale.
type ConsumeInput struct {
	ProductID string `validate:"required"`
	VendorID  string `validate:"required"`
	Quantity  int64  `validate:"gte=1"`
}

// PortalOrderInput is a consumption requested by the portal for one order.
type PortalOrderInput struct {
	ProductID string `validate:"required"`
	VendorID  string `validate:"required"`
	Quantity  int64  `validate:"gte=1"`
	OrderID   string `validate:"required"`
}

// Get returns the current record.
func (s *Service) Get(ctx context.Context, key Key) (Record, error) {
	if key.ProductID == "" || key.VendorID == "" {
		return Record{}, validationError("productId and vendorId are required")
	}
	return s.ledger.Get(ctx, key)
}

// Replenish increments stock.
func (s *Service) Replenish(ctx context.Context, input ReplenishInput) (ApplyResult, error) {
	if err := s.validate(input); err != nil {
		return ApplyResult{}, err
	}
	key := Key{ProductID: input.ProductID, VendorID: input.VendorID}
	return s.mutateLocal(ctx, key, Mutation{Kind: MutationReplenish, Quantity: input.Quantity})
}

// Correct overwrites stock with an audited quantity.
func (s *Service) Correct(ctx context.Context, input CorrectInput) (ApplyResult, error) {
	if err := s.validate(input); err != nil {
		return ApplyResult{}, err
	}
	key := Key{ProductID: input.ProductID, VendorID: input.VendorID}
	return s.mutateLocal(ctx, key, Mutation{Kind: MutationCorrect, Quantity: input.NewQuantity, Reason: input.Reason})
}

// Consume decrements stock when enough is available.
func (s *Service) Consume(ctx context.Context, input ConsumeInput) (ApplyResult, error) {
	if err := s.validate(input); err != nil {
		return ApplyResult{}, err
	}
	key := Key{ProductID: input.ProductID, VendorID: input.VendorID}
	return s.mutateLocal(ctx, key, Mutation{Kind: MutationConsume, Quantity: input.Quantity})
}

// ApplyPortalOrder consumes stock for a portal order exactly once per order id.
// A replay of the last applied order returns the record untouched. No outbound
// event is produced since the portal originated the change.
func (s *Service) ApplyPortalOrder(ctx context.Context, input PortalOrderInput) (ApplyResult, error) {
	if err := s.validate(input); err != nil {
		return ApplyResult{}, err
	}
	key := Key{ProductID: input.ProductID, VendorID: input.VendorID}
	m := Mutation{Kind: MutationConsume, Quantity: input.Quantity, OrderID: input.OrderID, At: s.now()}
	result, err := s.ledger.Apply(ctx, key, m, nil)
	if err != nil {
		s.logger.Warn("portal order rejected",
			slog.String("product_id", key.ProductID),
			slog.String("vendor_id", key.VendorID),
			slog.String("order_id", input.OrderID),
			slog.Any("error", err))
		return ApplyResult{}, err
	}
	if result.Outcome == OutcomeReplayed {
		s.logger.Info("portal order replayed",
			slog.String("product_id", key.ProductID),
			slog.String("vendor_id", key.VendorID),
			slog.String("order_id", input.OrderID))
		return result, nil
	}
	s.record(ctx, "portal", key, m, result.Record)
	return result, nil
}

func (s *Service) mutateLocal(ctx context.Context, key Key, m Mutation) (ApplyResult, error) {
	m.At = s.now()
	evt := &SyncEvent{
		ID:            uuid.NewString(),
		ProductID:     key.ProductID,
		VendorID:      key.VendorID,
		Kind:          m.Kind,
		Quantity:      m.Quantity,
		Reason:        m.Reason,
		OccurredAt:    m.At,
		Status:        SyncPending,
		NextAttemptAt: m.At,
	}
	result, err := s.ledger.Apply(ctx, key, m, evt)
	if err != nil {
		return ApplyResult{}, err
	}
	s.record(ctx, "pos", key, m, result.Record)
	if s.notifier != nil {
		if err := s.notifier.Notify(ctx); err != nil {
			s.logger.Warn("notify sync dispatcher", slog.String("event_id", evt.ID), slog.Any("error", err))
		}
	}
	return result, nil
}

func (s *Service) record(ctx context.Context, actor string, key Key, m Mutation, rec Record) {
	if s.audit == nil {
		return
	}
	meta := map[string]any{
		"product_id": key.ProductID,
		"vendor_id":  key.VendorID,
		"quantity":   m.Quantity,
		"balance":    rec.QuantityAvailable,
	}
	if m.Reason != "" {
		meta["reason"] = m.Reason
	}
	if m.OrderID != "" {
		meta["order_id"] = m.OrderID
	}
	if err := s.audit.Record(ctx, shared.AuditLog{
		Actor:    actor,
		Action:   fmt.Sprintf("inventory:%s", m.Kind),
		Entity:   "inventory_record",
		EntityID: key.String(),
		Meta:     meta,
		At:       m.At,
	}); err != nil {
		s.logger.Warn("audit inventory mutation", slog.String("key", key.String()), slog.Any("error", err))
	}
}

func (s *Service) validate(input any) error {
	if err := s.validator.Struct(input); err != nil {
		return fmt.Errorf("%w: %s", ErrValidation, err.Error())
	}
	return nil
}
