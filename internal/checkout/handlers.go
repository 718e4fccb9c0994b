package checkout

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/noah-isme/toko-checkout/internal/common"
	"github.com/noah-isme/toko-checkout/internal/obs"
	"github.com/noah-isme/toko-checkout/internal/order"
)

type Handler struct {
	Svc *Service
}

// CreateOrder handles POST /orders.
func (h *Handler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	if h.Svc == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "checkout service not configured", nil)
		return
	}
	userID, ok := common.UserID(r.Context())
	if !ok || userID == "" {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return
	}
	var payload Input
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	out, err := h.Svc.CreateOrder(r.Context(), userID, payload)
	if err != nil {
		h.writeError(w, err)
		return
	}
	obs.TagOrder(r.Context(), out.OrderID)
	common.JSON(w, http.StatusCreated, out)
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	if err == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "unknown error", nil)
		return
	}
	var verr *common.ValidationError
	if errors.As(err, &verr) {
		code := verr.Code
		if code == "" {
			code = "VALIDATION_ERROR"
		}
		common.JSONError(w, http.StatusBadRequest, code, verr.Error(), verr.Details())
		return
	}
	var oos *order.OutOfStockError
	if errors.As(err, &oos) {
		common.JSONError(w, http.StatusConflict, "OUT_OF_STOCK", "insufficient stock", map[string]any{
			"productId": oos.ProductID,
			"requested": oos.Requested,
			"available": oos.Available,
		})
		return
	}
	if common.RenderAppError(w, err) {
		return
	}
	h.Svc.Logger.Error().Err(err).Msg("create order failed")
	common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "could not place order", nil)
}
