package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-pos/internal/platform/httpx"
)

// Handler wires HTTP endpoints for the inventory module.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	apiKey    string
	validator *validator.Validate
}

// NewHandler constructs inventory handler. apiKey guards the portal sync route.
func NewHandler(logger *slog.Logger, service *Service, apiKey string) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, apiKey: apiKey, validator: validator.New()}
}

// MountRoutes registers inventory routes under /api.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/inventory", func(r chi.Router) {
		r.Post("/refill", h.handleRefill)
		r.Post("/audit", h.handleAudit)
		r.Post("/sale", h.handleSale)
		r.Get("/{productID}/{vendorID}", h.handleGet)
	})
	r.Group(func(r chi.Router) {
		r.Use(RequireAPIKey(h.apiKey, h.logger))
		r.Post("/pos/sync", h.handlePortalSync)
	})
}

type refillRequest struct {
	ProductID string `json:"productId" validate:"required"`
	VendorID  string `json:"vendorId" validate:"required"`
	Quantity  *int64 `json:"quantity" validate:"required,gte=1"`
}

type auditRequest struct {
	ProductID   string `json:"productId" validate:"required"`
	VendorID    string `json:"vendorId" validate:"required"`
	NewQuantity *int64 `json:"newQuantity" validate:"required,gte=0"`
	Reason      string `json:"reason"`
}

type saleRequest struct {
	ProductID string `json:"productId" validate:"required"`
	VendorID  string `json:"vendorId" validate:"required"`
	Quantity  *int64 `json:"quantity" validate:"required,gte=1"`
}

type portalSyncRequest struct {
	ProductID string `json:"productId" validate:"required"`
	VendorID  string `json:"vendorId" validate:"required"`
	Quantity  *int64 `json:"quantity" validate:"required,gte=1"`
	OrderID   string `json:"orderId" validate:"required"`
}

type inventoryResponse struct {
	Success   bool    `json:"success"`
	Inventory Record  `json:"inventory"`
	Outcome   Outcome `json:"outcome,omitempty"`
	OrderID   string  `json:"orderId,omitempty"`
	Message   string  `json:"message,omitempty"`
}

type errorResponse struct {
	Success      bool   `json:"success"`
	Error        string `json:"error"`
	CurrentStock *int64 `json:"currentStock,omitempty"`
}

func (h *Handler) handleRefill(w http.ResponseWriter, r *http.Request) {
	var req refillRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.Replenish(r.Context(), ReplenishInput{ProductID: req.ProductID, VendorID: req.VendorID, Quantity: *req.Quantity})
	if err != nil {
		h.respondError(w, "refill", err)
		return
	}
	httpx.JSON(w, http.StatusOK, inventoryResponse{Success: true, Inventory: result.Record, Outcome: result.Outcome})
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	var req auditRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.Correct(r.Context(), CorrectInput{ProductID: req.ProductID, VendorID: req.VendorID, NewQuantity: *req.NewQuantity, Reason: req.Reason})
	if err != nil {
		h.respondError(w, "audit", err)
		return
	}
	httpx.JSON(w, http.StatusOK, inventoryResponse{Success: true, Inventory: result.Record, Outcome: result.Outcome})
}

func (h *Handler) handleSale(w http.ResponseWriter, r *http.Request) {
	var req saleRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.Consume(r.Context(), ConsumeInput{ProductID: req.ProductID, VendorID: req.VendorID, Quantity: *req.Quantity})
	if err != nil {
		h.respondError(w, "sale", err)
		return
	}
	httpx.JSON(w, http.StatusOK, inventoryResponse{Success: true, Inventory: result.Record, Outcome: result.Outcome})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	key := Key{ProductID: chi.URLParam(r, "productID"), VendorID: chi.URLParam(r, "vendorID")}
	rec, err := h.service.Get(r.Context(), key)
	if err != nil {
		h.respondError(w, "get", err)
		return
	}
	httpx.JSON(w, http.StatusOK, inventoryResponse{Success: true, Inventory: rec})
}

func (h *Handler) handlePortalSync(w http.ResponseWriter, r *http.Request) {
	var req portalSyncRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.ApplyPortalOrder(r.Context(), PortalOrderInput{
		ProductID: req.ProductID,
		VendorID:  req.VendorID,
		Quantity:  *req.Quantity,
		OrderID:   req.OrderID,
	})
	if errors.Is(err, ErrNotFound) {
		// The portal treats a missing record as having no stock.
		var zero int64
		httpx.JSON(w, http.StatusBadRequest, errorResponse{Error: "Insufficient stock", CurrentStock: &zero})
		return
	}
	if err != nil {
		h.respondError(w, "portal sync", err)
		return
	}
	httpx.JSON(w, http.StatusOK, inventoryResponse{
		Success:   true,
		Inventory: result.Record,
		OrderID:   req.OrderID,
		Message:   fmt.Sprintf("Successfully synced order %s", req.OrderID),
	})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(w, r, target); err != nil {
		httpx.JSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		httpx.JSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return false
	}
	return true
}

func (h *Handler) respondError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrInsufficientStock):
		available, _ := AvailableStock(err)
		httpx.JSON(w, http.StatusBadRequest, errorResponse{Error: "Insufficient stock", CurrentStock: &available})
	case errors.Is(err, ErrNotFound):
		var zero int64
		httpx.JSON(w, http.StatusNotFound, errorResponse{Error: "Inventory record not found", CurrentStock: &zero})
	case errors.Is(err, ErrValidation):
		httpx.JSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		h.logger.Warn(op+" timed out", slog.Any("error", err))
		httpx.JSON(w, http.StatusGatewayTimeout, errorResponse{Error: fmt.Sprintf("Timed out processing %s", op)})
	default:
		h.logger.Error(op+" failed", slog.Any("error", err))
		httpx.JSON(w, http.StatusInternalServerError, errorResponse{Error: fmt.Sprintf("Failed to process %s", op)})
	}
}
