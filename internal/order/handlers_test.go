package order_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-checkout/internal/common"
	"github.com/noah-isme/toko-checkout/internal/events"
	"github.com/noah-isme/toko-checkout/internal/order"
)

type recordingNotifier struct {
	topics []string
}

func (r *recordingNotifier) Notify(_ context.Context, event events.Event) error {
	r.topics = append(r.topics, event.Topic)
	return nil
}

func routed(method, pattern, target, body string, userID string, h http.HandlerFunc) *httptest.ResponseRecorder {
	r := chi.NewRouter()
	r.MethodFunc(method, pattern, h)
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if userID != "" {
		req = req.WithContext(common.WithUserID(req.Context(), userID))
	}
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func TestGetOrderOwnedByUser(t *testing.T) {
	store := seededStore(t)
	o := placeOnline(t, store)
	h := &order.Handler{Store: store}

	rr := routed(http.MethodGet, "/orders/{orderId}", "/orders/"+o.ID, "", "user-1", h.Get)
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, "pending", body.Data["status"])
	require.Equal(t, "pending", body.Data["paymentStatus"])

	rr = routed(http.MethodGet, "/orders/{orderId}", "/orders/"+o.ID, "", "someone-else", h.Get)
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = routed(http.MethodGet, "/orders/{orderId}", "/orders/"+o.ID, "", "", h.Get)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestCancelPendingOrder(t *testing.T) {
	store := seededStore(t)
	o := placeOnline(t, store)
	h := &order.Handler{Store: store}

	rr := routed(http.MethodPost, "/orders/{orderId}/cancel", "/orders/"+o.ID+"/cancel", "", "user-1", h.Cancel)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = routed(http.MethodPost, "/orders/{orderId}/cancel", "/orders/"+o.ID+"/cancel", "", "user-1", h.Cancel)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestCancelRefusedWhilePaymentInProgress(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t)
	o := placeOnline(t, store)
	_, err := store.CreateSession(ctx, order.Session{Ref: "PS-1", OrderID: o.ID, Amount: o.Total})
	require.NoError(t, err)
	h := &order.Handler{Store: store}

	rr := routed(http.MethodPost, "/orders/{orderId}/cancel", "/orders/"+o.ID+"/cancel", "", "user-1", h.Cancel)
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Contains(t, rr.Body.String(), "PAYMENT_IN_PROGRESS")

	got, err := store.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, order.StatusPending, got.Status)
}

func TestAdminCancelReturnsStockAndEmits(t *testing.T) {
	store := seededStore(t)
	o := placeOnline(t, store)
	notifier := &recordingNotifier{}
	h := &order.AdminHandler{Store: store, Events: &events.Bus{Notifiers: []events.Notifier{notifier}}}

	rr := routed(http.MethodPatch, "/admin/orders/{id}/status", "/admin/orders/"+o.ID+"/status", `{"status":"cancelled"}`, "admin", h.PatchStatus)
	require.Equal(t, http.StatusNoContent, rr.Code)
	require.Equal(t, []string{events.TopicOrderCanceled}, notifier.topics)
	p, _ := store.Product("p-1")
	require.Equal(t, 5, p.Stock)
}

func TestAdminPatchStatusForwardOnly(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t)
	o := placeOnline(t, store)
	notifier := &recordingNotifier{}
	h := &order.AdminHandler{Store: store, Events: &events.Bus{Notifiers: []events.Notifier{notifier}}}

	rr := routed(http.MethodPatch, "/admin/orders/{id}/status", "/admin/orders/"+o.ID+"/status", `{"status":"shipped"}`, "admin", h.PatchStatus)
	require.Equal(t, http.StatusConflict, rr.Code, "unpaid online orders cannot ship")

	_, err := store.CreateSession(ctx, order.Session{Ref: "PS-1", OrderID: o.ID, Amount: o.Total})
	require.NoError(t, err)
	_, err = store.CompareAndSetSessionStatus(ctx, "PS-1", order.SessionPending, order.SessionPaid)
	require.NoError(t, err)

	rr = routed(http.MethodPatch, "/admin/orders/{id}/status", "/admin/orders/"+o.ID+"/status", `{"status":"shipped"}`, "admin", h.PatchStatus)
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = routed(http.MethodPatch, "/admin/orders/{id}/status", "/admin/orders/"+o.ID+"/status", `{"status":"processing"}`, "admin", h.PatchStatus)
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = routed(http.MethodPatch, "/admin/orders/{id}/status", "/admin/orders/"+o.ID+"/status", `{"status":"bogus"}`, "admin", h.PatchStatus)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	require.Equal(t, []string{events.TopicOrderStatus}, notifier.topics)
}

func TestAdminPaymentStatusCODOnly(t *testing.T) {
	ctx := context.Background()
	store := seededStore(t)
	online := placeOnline(t, store)
	cod, err := store.CreateOrder(ctx, order.Order{
		Items:         []order.Item{{ProductID: "p-1", Quantity: 1, UnitPrice: 250}},
		PaymentMethod: order.MethodCOD,
		Status:        order.StatusProcessing,
		PaymentStatus: order.PaymentPending,
	})
	require.NoError(t, err)
	notifier := &recordingNotifier{}
	h := &order.AdminHandler{Store: store, Events: &events.Bus{Notifiers: []events.Notifier{notifier}}}

	rr := routed(http.MethodPatch, "/admin/orders/{id}/payment-status", "/admin/orders/"+online.ID+"/payment-status", `{"status":"paid"}`, "admin", h.PatchPaymentStatus)
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = routed(http.MethodPatch, "/admin/orders/{id}/payment-status", "/admin/orders/"+cod.ID+"/payment-status", `{"status":"paid"}`, "admin", h.PatchPaymentStatus)
	require.Equal(t, http.StatusNoContent, rr.Code)

	got, err := store.GetOrder(ctx, cod.ID)
	require.NoError(t, err)
	require.Equal(t, order.PaymentPaid, got.PaymentStatus)
	require.Equal(t, order.StatusProcessing, got.Status)

	rr = routed(http.MethodPatch, "/admin/orders/{id}/payment-status", "/admin/orders/"+cod.ID+"/payment-status", `{"status":"failed"}`, "admin", h.PatchPaymentStatus)
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = routed(http.MethodPatch, "/admin/orders/{id}/payment-status", "/admin/orders/missing/payment-status", `{"status":"paid"}`, "admin", h.PatchPaymentStatus)
	require.Equal(t, http.StatusNotFound, rr.Code)

	require.Equal(t, []string{events.TopicOrderPaid}, notifier.topics)
}
