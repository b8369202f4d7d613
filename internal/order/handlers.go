package order

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/MachinePay/totem-payments/internal/common"
)

// QueueCleaner force-clears the terminal device queue.
type QueueCleaner interface {
	ClearQueue(ctx context.Context) (int, error)
}

// Handler exposes the storefront-facing payment endpoints.
type Handler struct {
	Coordinator *Coordinator
	Orders      Store
	Cleaner     QueueCleaner
	Validate    *validator.Validate
}

// NewHandler wires a handler with a fresh validator instance.
func NewHandler(coordinator *Coordinator, orders Store, cleaner QueueCleaner) *Handler {
	return &Handler{
		Coordinator: coordinator,
		Orders:      orders,
		Cleaner:     cleaner,
		Validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

type createOrderReq struct {
	Items []Item `json:"items" validate:"required,min=1,dive"`
	Total int64  `json:"total" validate:"required,gt=0"`
}

// CreateOrder registers a pending order before the payment attempt begins.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	if err := h.Validate.Struct(req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION", err.Error(), nil)
		return
	}
	ord, err := h.Orders.Create(r.Context(), req.Items, req.Total)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "ORDER_CREATE_FAILED", err.Error(), nil)
		return
	}
	common.JSON(w, http.StatusCreated, ord)
}

type createPaymentReq struct {
	Amount      int64  `json:"amount" validate:"gte=0"`
	Description string `json:"description"`
	OrderID     string `json:"orderId" validate:"required"`
	Method      string `json:"method"`
}

// CreatePayment opens a payment intent on the terminal for an existing order.
func (h *Handler) CreatePayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	if err := h.Validate.Struct(req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION", err.Error(), nil)
		return
	}
	kind, err := ParseKind(req.Method)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "method must be CARD or PIX", nil)
		return
	}
	intentID, err := h.Coordinator.Begin(r.Context(), strings.TrimSpace(req.OrderID), kind, req.Amount, req.Description)
	if err != nil {
		status := http.StatusBadRequest
		code := "INTENT_FAILED"
		if errors.Is(err, ErrOrderNotFound) {
			status = http.StatusNotFound
			code = "ORDER_NOT_FOUND"
		}
		common.JSONError(w, status, code, err.Error(), nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]string{"id": intentID, "status": "open"})
}

// Status answers one poll for the payment attempt.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	intentID := strings.TrimSpace(chi.URLParam(r, "intentId"))
	if intentID == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "intentId is required", nil)
		return
	}
	out, err := h.Coordinator.Status(r.Context(), intentID)
	if err != nil {
		if errors.Is(err, ErrFinalizeFailed) {
			common.JSONError(w, http.StatusInternalServerError, "FINALIZE_FAILED", err.Error(), nil)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "STATUS_ERROR", err.Error(), nil)
		return
	}
	common.JSON(w, http.StatusOK, out)
}

// AwaitStatus blocks until the attempt resolves, is canceled, or the poll
// budget runs out. Long-poll alternative to Status for clients that would
// rather hold one request than poll every interval.
func (h *Handler) AwaitStatus(w http.ResponseWriter, r *http.Request) {
	intentID := strings.TrimSpace(chi.URLParam(r, "intentId"))
	if intentID == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "intentId is required", nil)
		return
	}
	out, err := h.Coordinator.Await(r.Context(), intentID)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// client went away mid-wait; nothing useful to write
			return
		}
		if errors.Is(err, ErrFinalizeFailed) {
			common.JSONError(w, http.StatusInternalServerError, "FINALIZE_FAILED", err.Error(), nil)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "STATUS_ERROR", err.Error(), nil)
		return
	}
	common.JSON(w, http.StatusOK, out)
}

// Cancel stops the payment attempt and removes the intent from the terminal.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	intentID := strings.TrimSpace(chi.URLParam(r, "intentId"))
	if intentID == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "intentId is required", nil)
		return
	}
	ok := h.Coordinator.Cancel(r.Context(), intentID)
	common.JSON(w, http.StatusOK, map[string]bool{"success": ok})
}

// ClearQueue forcibly clears every intent queued on the terminal device.
func (h *Handler) ClearQueue(w http.ResponseWriter, r *http.Request) {
	cleared, err := h.Cleaner.ClearQueue(r.Context())
	if err != nil {
		common.JSONError(w, http.StatusBadGateway, "CLEAR_QUEUE_FAILED", err.Error(), nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"success": true, "cleared": cleared})
}
