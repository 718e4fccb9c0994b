package order

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/noah-isme/toko-checkout/internal/common"
	"github.com/noah-isme/toko-checkout/internal/obs"
)

// Handler serves the customer-facing order endpoints.
type Handler struct {
	Store Store
}

// Get returns a single order owned by the authenticated user.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "order store not configured", nil)
		return
	}
	ord, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": View(ord)})
}

// Cancel cancels a pending order and returns its stock. Orders with a payment
// session still open at the gateway cannot be cancelled.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "order store not configured", nil)
		return
	}
	ord, ok := h.loadOwned(w, r)
	if !ok {
		return
	}
	if ord.Status != StatusPending {
		common.JSONError(w, http.StatusBadRequest, "INVALID_STATE", "only pending orders can be cancelled", nil)
		return
	}
	updated, err := h.Store.CancelOrder(r.Context(), ord.ID, StatusPending)
	if err != nil {
		writeCancelError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": map[string]any{"status": updated.Status}})
}

func writeCancelError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrPaymentInFlight):
		common.JSONError(w, http.StatusConflict, "PAYMENT_IN_PROGRESS", "a payment for this order is still in progress", nil)
	case errors.Is(err, ErrInvalidTransition):
		common.JSONError(w, http.StatusConflict, "INVALID_STATE", "order changed state, reload and retry", nil)
	case errors.Is(err, ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "order not found", nil)
	default:
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to cancel order", nil)
	}
}

func (h *Handler) loadOwned(w http.ResponseWriter, r *http.Request) (Order, bool) {
	userID, ok := common.UserID(r.Context())
	if !ok || userID == "" {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return Order{}, false
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderId"))
	if orderID == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid order id", nil)
		return Order{}, false
	}
	obs.TagOrder(r.Context(), orderID)
	ord, err := h.Store.GetOrder(r.Context(), orderID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "order not found", nil)
			return Order{}, false
		}
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to load order", nil)
		return Order{}, false
	}
	// Foreign orders are reported as missing so ids cannot be enumerated.
	if ord.UserID != "" && ord.UserID != userID {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "order not found", nil)
		return Order{}, false
	}
	return ord, true
}

// View renders an order in the API's JSON shape.
func View(o Order) map[string]any {
	items := make([]map[string]any, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, map[string]any{
			"productId": it.ProductID,
			"name":      it.Name,
			"quantity":  it.Quantity,
			"unitPrice": it.UnitPrice,
			"subtotal":  int64(it.Quantity) * it.UnitPrice,
		})
	}
	view := map[string]any{
		"id":              o.ID,
		"status":          o.Status,
		"paymentStatus":   o.PaymentStatus,
		"paymentMethod":   o.PaymentMethod,
		"subtotal":        o.Subtotal,
		"shippingFee":     o.ShippingFee,
		"discount":        o.Discount,
		"total":           o.Total,
		"currency":        o.Currency,
		"items":           items,
		"shippingAddress": o.ShippingAddress,
		"createdAt":       o.CreatedAt,
	}
	if o.CouponCode != "" {
		view["couponCode"] = o.CouponCode
	}
	return view
}
