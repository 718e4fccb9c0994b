package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-checkout/internal/auth"
	"github.com/noah-isme/toko-checkout/internal/checkout"
	"github.com/noah-isme/toko-checkout/internal/common"
	"github.com/noah-isme/toko-checkout/internal/events"
	"github.com/noah-isme/toko-checkout/internal/health"
	"github.com/noah-isme/toko-checkout/internal/lock"
	"github.com/noah-isme/toko-checkout/internal/order"
	"github.com/noah-isme/toko-checkout/internal/payment"
	"github.com/noah-isme/toko-checkout/internal/pricing"
	"github.com/noah-isme/toko-checkout/internal/ratelimit"
)

type apiFixture struct {
	srv      *httptest.Server
	tokens   *auth.Verifier
	webhooks *payment.HMACVerifier
	store    *order.MemoryStore
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := order.NewMemoryStore()
	for _, p := range order.DemoProducts() {
		store.PutProduct(p)
	}
	tokens, err := auth.NewVerifier("jwt-secret", "", "")
	require.NoError(t, err)
	webhooks, err := payment.NewHMACVerifier("whsec")
	require.NoError(t, err)

	bus := &events.Bus{}
	orderLimit, err := ratelimit.NewFixedWindow("100-M", "orders:", rdb)
	require.NoError(t, err)

	h := newRouter(routes{
		Logger: zerolog.Nop(),
		Auth:   auth.Middleware{Verifier: tokens},
		Idem:   common.Idem{R: rdb, TTL: time.Hour},
		Checkout: &checkout.Handler{Svc: &checkout.Service{
			Store:    store,
			Shipping: pricing.DefaultShipping,
			Currency: "PHP",
			Events:   bus,
			Logger:   zerolog.Nop(),
			Validate: common.NewValidator(),
		}},
		Orders:      &order.Handler{Store: store},
		OrdersAdmin: &order.AdminHandler{Store: store, Events: bus, Logger: zerolog.Nop()},
		Payments: &payment.Handler{Svc: &payment.Service{
			Store:    store,
			Gateway:  payment.SandboxGateway{},
			Verifier: webhooks,
			Locker:   lock.Locker{R: rdb, RetryBackoff: time.Millisecond},
			Events:   bus,
			Logger:   zerolog.Nop(),
		}},
		Health:     health.Handler{Checks: map[string]health.Check{}},
		OrderLimit: orderLimit.Middleware,
		StatusLimit: ratelimit.Handler{
			Limiter: ratelimit.Limiter{Client: rdb, Prefix: "status:"},
			Config:  ratelimit.Config{Key: ratelimit.ByClient(""), Window: time.Minute, Max: 3},
		}.Middleware,
		WebhookMaxBody: 4 << 10,
	})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &apiFixture{srv: srv, tokens: tokens, webhooks: webhooks, store: store}
}

func (f *apiFixture) token(t *testing.T, c auth.Claims) string {
	t.Helper()
	tok, err := f.tokens.Sign(c, time.Hour)
	require.NoError(t, err)
	return tok
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any, headers map[string]string) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func checkoutBody(method string) map[string]any {
	return map[string]any{
		"items":           []map[string]any{{"productId": "canvas-bag", "quantity": 1}},
		"shippingAddress": map[string]any{"recipient": "Ana Cruz", "line1": "12 Mabini St", "city": "Manila"},
		"paymentMethod":   method,
	}
}

func TestOnlineCheckoutEndToEnd(t *testing.T) {
	api := newAPI(t)
	tok := api.token(t, auth.Claims{UserID: "user-1", Email: "ana@example.com"})

	code, placed := api.do(t, http.MethodPost, "/api/v1/orders", tok, checkoutBody("card"), map[string]string{"Idempotency-Key": "k-1"})
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, "pending", placed["status"])
	require.EqualValues(t, 600, placed["total"])
	orderID := placed["orderId"].(string)

	code, _ = api.do(t, http.MethodPost, "/api/v1/orders", tok, checkoutBody("card"), map[string]string{"Idempotency-Key": "k-1"})
	require.Equal(t, http.StatusConflict, code, "replayed idempotency key")

	code, sess := api.do(t, http.MethodPost, "/api/v1/payments/sessions", tok, map[string]any{"orderId": orderID}, nil)
	require.Equal(t, http.StatusOK, code)
	ref := sess["paymentRef"].(string)
	require.EqualValues(t, 600, sess["amount"])

	code, status := api.do(t, http.MethodGet, "/api/v1/payments/"+ref+"/status", tok, nil, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "pending", status["status"])

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	unsigned := payment.WebhookPayload{Ref: ref, Status: "success", Amount: "600", Timestamp: payment.Scalar(ts)}
	code, _ = api.do(t, http.MethodPost, "/api/v1/webhooks/payment", "", map[string]any{
		"ref": ref, "status": "success", "amount": 600, "timestamp": ts, "signature": "deadbeef",
	}, nil)
	require.Equal(t, http.StatusUnauthorized, code)

	code, applied := api.do(t, http.MethodPost, "/api/v1/webhooks/payment", "", map[string]any{
		"ref": ref, "status": "success", "amount": 600, "timestamp": ts, "signature": api.webhooks.Sign(unsigned),
	}, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, applied["success"])

	code, got := api.do(t, http.MethodGet, "/api/v1/orders/"+orderID, tok, nil, nil)
	require.Equal(t, http.StatusOK, code)
	data := got["data"].(map[string]any)
	require.Equal(t, "processing", data["status"])
	require.Equal(t, "paid", data["paymentStatus"])

	code, _ = api.do(t, http.MethodPost, "/api/v1/payments/sessions", tok, map[string]any{"orderId": orderID}, nil)
	require.Equal(t, http.StatusConflict, code)
}

func TestStatusEndpointIsRateLimited(t *testing.T) {
	api := newAPI(t)
	tok := api.token(t, auth.Claims{UserID: "user-1"})
	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		code, _ := api.do(t, http.MethodGet, "/api/v1/payments/PS-unknown/status", tok, nil, nil)
		codes = append(codes, code)
	}
	require.Equal(t, []int{404, 404, 404, 429}, codes)
}

func TestRoutesRequireAuth(t *testing.T) {
	api := newAPI(t)
	code, _ := api.do(t, http.MethodPost, "/api/v1/orders", "", checkoutBody("cod"), nil)
	require.Equal(t, http.StatusUnauthorized, code)

	customer := api.token(t, auth.Claims{UserID: "user-1"})
	code, _ = api.do(t, http.MethodPatch, "/api/v1/admin/orders/x/status", customer, map[string]any{"status": "shipped"}, nil)
	require.Equal(t, http.StatusForbidden, code)
}

func TestAdminCollectsCashOnDelivery(t *testing.T) {
	api := newAPI(t)
	customer := api.token(t, auth.Claims{UserID: "user-1"})
	admin := api.token(t, auth.Claims{UserID: "staff-1", Roles: []string{"admin"}})

	code, placed := api.do(t, http.MethodPost, "/api/v1/orders", customer, checkoutBody("cod"), nil)
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, "processing", placed["status"])
	orderID := placed["orderId"].(string)

	code, _ = api.do(t, http.MethodPost, "/api/v1/payments/sessions", customer, map[string]any{"orderId": orderID}, nil)
	require.Equal(t, http.StatusBadRequest, code, "cod orders never open a session")

	code, _ = api.do(t, http.MethodPatch, "/api/v1/admin/orders/"+orderID+"/payment-status", admin, map[string]any{"status": "paid"}, nil)
	require.Equal(t, http.StatusNoContent, code)

	o, err := api.store.GetOrder(t.Context(), orderID)
	require.NoError(t, err)
	require.Equal(t, order.PaymentPaid, o.PaymentStatus)
}

func TestWebhookBodyLimit(t *testing.T) {
	api := newAPI(t)
	code, out := api.do(t, http.MethodPost, "/api/v1/webhooks/payment", "", map[string]any{"ref": string(make([]byte, 5<<10))}, nil)
	require.Equal(t, http.StatusRequestEntityTooLarge, code)
	require.Contains(t, out, "error")
}
