package checkout_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-checkout/internal/checkout"
	"github.com/noah-isme/toko-checkout/internal/common"
	"github.com/noah-isme/toko-checkout/internal/events"
	"github.com/noah-isme/toko-checkout/internal/order"
	"github.com/noah-isme/toko-checkout/internal/pricing"
)

type captureNotifier struct {
	events []events.Event
}

func (c *captureNotifier) Notify(_ context.Context, event events.Event) error {
	c.events = append(c.events, event)
	return nil
}

func newService(t *testing.T) (*checkout.Service, *order.MemoryStore, *captureNotifier) {
	t.Helper()
	store := order.NewMemoryStore()
	store.PutProduct(order.Product{ID: "tee", Name: "Logo Tee", Price: 300, Stock: 5})
	store.PutProduct(order.Product{ID: "mug", Name: "Enamel Mug", Price: 250, Stock: 2})
	notifier := &captureNotifier{}
	svc := &checkout.Service{
		Store:    store,
		Coupons:  checkout.FixedCoupons{"SAVE50": 50},
		Shipping: pricing.DefaultShipping,
		Currency: "PHP",
		Events:   &events.Bus{Notifiers: []events.Notifier{notifier}},
	}
	return svc, store, notifier
}

func address() *order.Address {
	return &order.Address{Recipient: "Ana Cruz", Line1: "12 Mabini St", City: "Quezon City"}
}

func TestCreateOrderOnlineBelowThreshold(t *testing.T) {
	svc, store, notifier := newService(t)
	ctx := common.WithUserEmail(context.Background(), "ana@example.com")

	out, err := svc.CreateOrder(ctx, "user-1", checkout.Input{
		Items:           []checkout.Line{{ProductID: "tee", Quantity: 2}},
		ShippingAddress: address(),
		PaymentMethod:   order.MethodGCash,
	})
	require.NoError(t, err)
	require.Equal(t, order.StatusPending, out.Status)
	require.Equal(t, order.PaymentPending, out.PaymentStatus)
	require.Equal(t, int64(600), out.Subtotal)
	require.Equal(t, int64(100), out.ShippingFee)
	require.Equal(t, int64(700), out.Total)

	p, _ := store.Product("tee")
	require.Equal(t, 3, p.Stock)

	require.Len(t, notifier.events, 1)
	require.Equal(t, events.TopicOrderCreated, notifier.events[0].Topic)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(notifier.events[0].Payload, &payload))
	require.Equal(t, "ana@example.com", payload["email"])
}

func TestCreateOrderCODFreeShippingWithCoupon(t *testing.T) {
	svc, store, _ := newService(t)

	out, err := svc.CreateOrder(context.Background(), "user-1", checkout.Input{
		Items:           []checkout.Line{{ProductID: "tee", Quantity: 1}, {ProductID: "mug", Quantity: 2}, {ProductID: "tee", Quantity: 1}},
		ShippingAddress: address(),
		PaymentMethod:   order.MethodCOD,
		CouponCode:      "save50",
	})
	require.NoError(t, err)
	require.Equal(t, order.StatusProcessing, out.Status)
	require.Equal(t, order.PaymentPending, out.PaymentStatus)
	require.Equal(t, int64(1100), out.Subtotal)
	require.Equal(t, int64(0), out.ShippingFee)
	require.Equal(t, int64(50), out.Discount)
	require.Equal(t, int64(1050), out.Total)

	placed, err := store.GetOrder(context.Background(), out.OrderID)
	require.NoError(t, err)
	require.Len(t, placed.Items, 2, "duplicate lines are merged")
	require.Equal(t, "tee", placed.Items[0].ProductID, "lines keep the order they were added in")
	require.Equal(t, 2, placed.Items[0].Quantity)
	require.Equal(t, "mug", placed.Items[1].ProductID)
	require.Equal(t, "SAVE50", placed.CouponCode)
	_, err = store.LatestSession(context.Background(), out.OrderID)
	require.ErrorIs(t, err, order.ErrNotFound, "cod orders never open a payment session")
}

func TestCreateOrderValidation(t *testing.T) {
	svc, _, notifier := newService(t)
	ctx := context.Background()

	_, err := svc.CreateOrder(ctx, "user-1", checkout.Input{ShippingAddress: address(), PaymentMethod: order.MethodCard})
	require.ErrorIs(t, err, checkout.ErrEmptyCart)

	cases := map[string]checkout.Input{
		"missing address": {Items: []checkout.Line{{ProductID: "tee", Quantity: 1}}, PaymentMethod: order.MethodCard},
		"blank city":      {Items: []checkout.Line{{ProductID: "tee", Quantity: 1}}, ShippingAddress: &order.Address{Recipient: "A", Line1: "B"}, PaymentMethod: order.MethodCard},
		"bad method":      {Items: []checkout.Line{{ProductID: "tee", Quantity: 1}}, ShippingAddress: address(), PaymentMethod: "crypto"},
		"zero quantity":   {Items: []checkout.Line{{ProductID: "tee", Quantity: 0}}, ShippingAddress: address(), PaymentMethod: order.MethodCard},
		"unknown coupon":  {Items: []checkout.Line{{ProductID: "tee", Quantity: 1}}, ShippingAddress: address(), PaymentMethod: order.MethodCard, CouponCode: "NOPE"},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.CreateOrder(ctx, "user-1", in)
			var verr *common.ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}
	require.Empty(t, notifier.events)
}

func TestCreateOrderOutOfStock(t *testing.T) {
	svc, store, _ := newService(t)

	_, err := svc.CreateOrder(context.Background(), "user-1", checkout.Input{
		Items:           []checkout.Line{{ProductID: "mug", Quantity: 3}},
		ShippingAddress: address(),
		PaymentMethod:   order.MethodCard,
	})
	var oos *order.OutOfStockError
	require.ErrorAs(t, err, &oos)
	require.Equal(t, "mug", oos.ProductID)
	require.Equal(t, 2, oos.Available)

	p, _ := store.Product("mug")
	require.Equal(t, 2, p.Stock)

	_, err = svc.CreateOrder(context.Background(), "user-1", checkout.Input{
		Items:           []checkout.Line{{ProductID: "ghost", Quantity: 1}},
		ShippingAddress: address(),
		PaymentMethod:   order.MethodCard,
	})
	require.ErrorAs(t, err, &oos)
	require.Equal(t, 0, oos.Available)
}

func TestCreateOrderHandler(t *testing.T) {
	svc, _, _ := newService(t)
	h := &checkout.Handler{Svc: svc}

	do := func(body, user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(body))
		if user != "" {
			req = req.WithContext(common.WithUserID(req.Context(), user))
		}
		rr := httptest.NewRecorder()
		h.CreateOrder(rr, req)
		return rr
	}

	valid := `{"items":[{"productId":"tee","quantity":1}],"shippingAddress":{"recipient":"Ana","line1":"12 Mabini","city":"Manila"},"paymentMethod":"card"}`
	rr := do(valid, "user-1")
	require.Equal(t, http.StatusCreated, rr.Code)
	var out checkout.Output
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	require.NotEmpty(t, out.OrderID)
	require.Equal(t, int64(400), out.Total)

	require.Equal(t, http.StatusUnauthorized, do(valid, "").Code)
	require.Equal(t, http.StatusBadRequest, do(`{"items":`, "user-1").Code)

	rr = do(`{"items":[],"shippingAddress":{"recipient":"Ana","line1":"x","city":"y"},"paymentMethod":"card"}`, "user-1")
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), "EMPTY_CART")

	rr = do(`{"items":[{"productId":"mug","quantity":9}],"shippingAddress":{"recipient":"Ana","line1":"x","city":"y"},"paymentMethod":"card"}`, "user-1")
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Contains(t, rr.Body.String(), "OUT_OF_STOCK")
}
