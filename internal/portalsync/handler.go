package portalsync

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-pos/internal/inventory"
	"github.com/odyssey-erp/odyssey-pos/internal/platform/httpx"
)

// Handler exposes the operator endpoints for the outbox.
type Handler struct {
	logger     *slog.Logger
	dispatcher *Dispatcher
	notifier   inventory.Notifier
	guard      func(http.Handler) http.Handler
}

// NewHandler constructs the handler. guard protects every route; notifier is
// woken after a requeue.
func NewHandler(logger *slog.Logger, dispatcher *Dispatcher, notifier inventory.Notifier, guard func(http.Handler) http.Handler) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, dispatcher: dispatcher, notifier: notifier, guard: guard}
}

// MountRoutes registers routes under /api.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/sync", func(r chi.Router) {
		if h.guard != nil {
			r.Use(h.guard)
		}
		r.Get("/pending", h.handlePending)
		r.Get("/dead-letters", h.handleDeadLetters)
		r.Post("/dead-letters/{id}/requeue", h.handleRequeue)
	})
}

type listResponse struct {
	Counts map[inventory.SyncStatus]int `json:"counts,omitempty"`
	Events []inventory.SyncEvent        `json:"events"`
}

func (h *Handler) handlePending(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	counts, err := h.dispatcher.Counts(r.Context())
	if err != nil {
		h.logger.Error("count sync events", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	events, err := h.dispatcher.Pending(r.Context(), limit)
	if err != nil {
		h.logger.Error("list pending sync events", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, listResponse{Counts: counts, Events: events})
}

func (h *Handler) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	events, err := h.dispatcher.DeadLetters(r.Context(), limit)
	if err != nil {
		h.logger.Error("list dead letters", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, listResponse{Events: events})
}

func (h *Handler) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: invalid event id", httpx.ErrValidation))
		return
	}
	evt, err := h.dispatcher.Requeue(r.Context(), id)
	switch {
	case errors.Is(err, inventory.ErrEventNotFound):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrNotFound, err))
		return
	case errors.Is(err, inventory.ErrEventNotDead):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrConflict, err))
		return
	case err != nil:
		h.logger.Error("requeue sync event", slog.String("event_id", id), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if h.notifier != nil {
		if err := h.notifier.Notify(r.Context()); err != nil {
			h.logger.Warn("notify sync dispatcher", slog.String("event_id", id), slog.Any("error", err))
		}
	}
	httpx.JSON(w, http.StatusOK, evt)
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 100, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 || limit > 1000 {
		return 0, fmt.Errorf("%w: limit must be between 1 and 1000", httpx.ErrValidation)
	}
	return limit, nil
}
