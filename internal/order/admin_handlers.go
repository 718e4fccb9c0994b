package order

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-checkout/internal/common"
	"github.com/noah-isme/toko-checkout/internal/obs"
	"github.com/noah-isme/toko-checkout/internal/events"
)

// AdminHandler provides administrative order management endpoints.
type AdminHandler struct {
	Store  Store
	Events *events.Bus
	Logger zerolog.Logger
}

type patchStatusRequest struct {
	Status string `json:"status"`
}

// PatchStatus moves an order forward along its fulfilment axis.
func (h *AdminHandler) PatchStatus(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "order store not configured", nil)
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "id"))
	obs.TagOrder(r.Context(), orderID)
	var req patchStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	target := Status(strings.ToLower(strings.TrimSpace(req.Status)))
	if !isAllowedAdminTarget(target) {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "unsupported status", nil)
		return
	}
	current, err := h.Store.GetOrder(r.Context(), orderID)
	if err != nil {
		h.writeLookupError(w, err)
		return
	}
	if !canTransition(current.Status, target) {
		common.JSONError(w, http.StatusConflict, "INVALID_STATE", "cannot transition to equal or previous state", nil)
		return
	}
	if current.Status == StatusPending && target != StatusCancelled && current.PaymentMethod.Online() {
		common.JSONError(w, http.StatusConflict, "AWAITING_PAYMENT", "online orders start processing once the payment is confirmed", nil)
		return
	}
	if target == StatusCancelled {
		updated, err := h.Store.CancelOrder(r.Context(), current.ID, current.Status)
		if err != nil {
			writeCancelError(w, err)
			return
		}
		extra := map[string]any{"from": current.Status, "status": updated.Status}
		if updated.PaymentStatus == PaymentPaid {
			extra["refundRequired"] = true
		}
		h.emit(r, events.TopicOrderCanceled, updated, extra)
		w.WriteHeader(http.StatusNoContent)
		return
	}
	updated, err := h.Store.UpdateStatus(r.Context(), current.ID, current.Status, target)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			common.JSONError(w, http.StatusConflict, "INVALID_STATE", "state transition not allowed", nil)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to update order status", nil)
		return
	}
	h.emit(r, events.TopicOrderStatus, updated, map[string]any{"from": current.Status, "status": updated.Status})
	w.WriteHeader(http.StatusNoContent)
}

// PatchPaymentStatus records courier collection (or refund) for cash-on-delivery orders.
func (h *AdminHandler) PatchPaymentStatus(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "order store not configured", nil)
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "id"))
	obs.TagOrder(r.Context(), orderID)
	var req patchStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	target := PaymentStatus(strings.ToLower(strings.TrimSpace(req.Status)))
	current, err := h.Store.GetOrder(r.Context(), orderID)
	if err != nil {
		h.writeLookupError(w, err)
		return
	}
	if current.PaymentMethod != MethodCOD {
		common.JSONError(w, http.StatusConflict, "GATEWAY_MANAGED", "online payments are settled by the payment gateway", nil)
		return
	}
	if !canTransitionPayment(current.PaymentStatus, target) {
		common.JSONError(w, http.StatusConflict, "INVALID_STATE", "payment status transition not allowed", nil)
		return
	}
	updated, err := h.Store.UpdatePaymentStatus(r.Context(), current.ID, current.PaymentStatus, target)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			common.JSONError(w, http.StatusConflict, "INVALID_STATE", "payment status changed concurrently", nil)
			return
		}
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to update payment status", nil)
		return
	}
	switch target {
	case PaymentPaid:
		h.emit(r, events.TopicOrderPaid, updated, map[string]any{"method": MethodCOD})
	case PaymentFailed:
		h.emit(r, events.TopicPaymentFailed, updated, map[string]any{"method": MethodCOD})
	case PaymentRefunded:
		h.emit(r, events.TopicPaymentRefunded, updated, nil)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrNotFound) {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "order not found", nil)
		return
	}
	common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to load order", nil)
}

func (h *AdminHandler) emit(r *http.Request, topic string, o Order, extra map[string]any) {
	if h.Events == nil {
		return
	}
	payload := map[string]any{
		"orderId":       o.ID,
		"userId":        o.UserID,
		"status":        o.Status,
		"paymentStatus": o.PaymentStatus,
	}
	if o.ContactEmail != "" {
		payload["email"] = o.ContactEmail
	}
	for k, v := range extra {
		payload[k] = v
	}
	if _, err := h.Events.Emit(r.Context(), topic, o.ID, payload); err != nil {
		h.Logger.Warn().Err(err).Str("order_id", o.ID).Str("topic", topic).Msg("emit_event_failed")
	}
}

func isAllowedAdminTarget(status Status) bool {
	switch status {
	case StatusProcessing, StatusShipped, StatusDelivered, StatusCancelled:
		return true
	}
	return false
}

func canTransition(from, to Status) bool {
	if to == StatusCancelled {
		return from == StatusPending || from == StatusProcessing
	}
	if from == StatusCancelled {
		return false
	}
	return orderStatusRank(from) < orderStatusRank(to)
}

func canTransitionPayment(from, to PaymentStatus) bool {
	switch from {
	case PaymentPending:
		return to == PaymentPaid || to == PaymentFailed
	case PaymentFailed:
		return to == PaymentPaid
	case PaymentPaid:
		return to == PaymentRefunded
	}
	return false
}

func orderStatusRank(status Status) int {
	switch status {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusShipped:
		return 2
	case StatusDelivered:
		return 3
	case StatusCancelled:
		return -1
	default:
		return -2
	}
}
