package payment

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/toko-checkout/internal/common"
	"github.com/noah-isme/toko-checkout/internal/obs"
	"github.com/noah-isme/toko-checkout/internal/order"
)

// Handler exposes HTTP endpoints for payment sessions, webhooks and status polling.
type Handler struct {
	Svc *Service
}

type sessionReq struct {
	OrderID       string              `json:"orderId"`
	PaymentMethod order.PaymentMethod `json:"paymentMethod"`
	PaymentType   string              `json:"paymentType"`
}

type sessionResp struct {
	Success     bool   `json:"success"`
	PaymentRef  string `json:"paymentRef"`
	CheckoutURL string `json:"checkoutUrl"`
	Amount      int64  `json:"amount"`
}

// CreateSession opens a checkout session for the authenticated user's order.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return
	}
	userID, ok := common.UserID(r.Context())
	if !ok || strings.TrimSpace(userID) == "" {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "login required", nil)
		return
	}
	var req sessionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	req.OrderID = strings.TrimSpace(req.OrderID)
	if req.OrderID == "" {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "orderId is required", map[string]string{"orderId": "required"})
		return
	}
	if req.PaymentMethod != "" && !req.PaymentMethod.Valid() {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_ERROR", "unsupported payment method", map[string]string{"paymentMethod": "unsupported"})
		return
	}
	obs.TagOrder(r.Context(), req.OrderID)
	sess, err := h.Svc.CreateSession(r.Context(), userID, SessionInput{
		OrderID:     req.OrderID,
		Method:      req.PaymentMethod,
		PaymentType: strings.TrimSpace(req.PaymentType),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	obs.TagPayment(r.Context(), sess.Ref)
	common.JSON(w, http.StatusOK, sessionResp{
		Success:     true,
		PaymentRef:  sess.Ref,
		CheckoutURL: sess.CheckoutURL,
		Amount:      sess.Amount,
	})
}

// Webhook applies a gateway callback. Authentication failures answer 401 so
// the gateway retries; every business outcome on an authentic payload answers 200.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "webhook unavailable", nil)
		return
	}
	var payload WebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to decode payload", nil)
		return
	}
	obs.TagPayment(r.Context(), payload.Ref)
	res, err := h.Svc.ApplyWebhook(r.Context(), payload)
	var invalid *InvalidPayloadError
	switch {
	case err == nil:
		common.JSON(w, http.StatusOK, map[string]any{"success": true, "result": res.Outcome(), "status": res.Status})
	case errors.Is(err, ErrInvalidSignature):
		common.JSONError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "signature verification failed", nil)
	case errors.As(err, &invalid):
		common.JSONError(w, http.StatusBadRequest, "WEBHOOK_INVALID", invalid.Error(), map[string]string{invalid.Field: invalid.Reason})
	case errors.Is(err, ErrSessionNotFound):
		common.JSON(w, http.StatusOK, map[string]any{"success": false, "result": "unknown_ref"})
	case errors.Is(err, ErrAmountMismatch):
		common.JSON(w, http.StatusOK, map[string]any{"success": false, "result": "amount_mismatch"})
	default:
		h.Svc.Logger.Error().Err(err).Str("payment_ref", payload.Ref).Msg("payment webhook failed")
		common.JSONError(w, http.StatusInternalServerError, "WEBHOOK_ERROR", "unable to apply webhook", nil)
	}
}

// Status reports the session status for polling clients.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	if h == nil || h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "PAYMENT_NOT_CONFIGURED", "payment handler unavailable", nil)
		return
	}
	userID, ok := common.UserID(r.Context())
	if !ok || strings.TrimSpace(userID) == "" {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "login required", nil)
		return
	}
	ref := strings.TrimSpace(chi.URLParam(r, "ref"))
	if ref == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "ref is required", nil)
		return
	}
	obs.TagPayment(r.Context(), ref)
	view, err := h.Svc.Status(r.Context(), userID, ref)
	if errors.Is(err, ErrSessionNotFound) {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "payment not found", nil)
		return
	}
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "STATUS_ERROR", "unable to load payment status", nil)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	common.JSON(w, http.StatusOK, view)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var verr *common.ValidationError
	switch {
	case errors.Is(err, ErrOrderNotFound):
		common.JSONError(w, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found", nil)
	case errors.Is(err, ErrAlreadyPaid):
		common.JSONError(w, http.StatusConflict, "ALREADY_PAID", "order is already paid", nil)
	case errors.As(err, &verr):
		common.JSONError(w, http.StatusBadRequest, verr.Code, verr.Error(), verr.Details())
	case errors.Is(err, ErrGatewayUnavailable):
		common.JSONError(w, http.StatusBadGateway, "GATEWAY_UNAVAILABLE",
			"payment provider is unavailable; your order is saved and can be paid later from your orders page", nil)
	default:
		h.Svc.Logger.Error().Err(err).Msg("payment session request failed")
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unable to start payment", nil)
	}
}
