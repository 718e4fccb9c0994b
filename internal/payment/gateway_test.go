package payment_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-checkout/internal/order"
	"github.com/noah-isme/toko-checkout/internal/payment"
	"github.com/noah-isme/toko-checkout/internal/resilience"
)

func TestHTTPGatewayCreatesSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/checkout-sessions" || r.Header.Get("Authorization") != "Bearer sk_test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ref":         "PS-abc",
			"checkoutUrl": "https://pay.example/PS-abc",
			"amount":      body["amount"],
		})
	}))
	defer srv.Close()

	gw := payment.HTTPGateway{BaseURL: srv.URL + "/", SecretKey: "sk_test", Client: resilience.HTTPClient{Client: srv.Client(), MaxAttempts: 1}}
	resp, err := gw.CreateSession(context.Background(), payment.SessionRequest{OrderID: "o-1", Amount: 1000, Method: order.MethodCard})
	require.NoError(t, err)
	require.Equal(t, "PS-abc", resp.Ref)
	require.Equal(t, "https://pay.example/PS-abc", resp.CheckoutURL)
	require.Equal(t, int64(1000), resp.Amount)
}

func TestHTTPGatewayFailuresAreUnavailable(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusInternalServerError) },
		"client error": func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusUnprocessableEntity) },
		"bad json":     func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("<html>")) },
		"amount drift": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"ref":"PS-1","checkoutUrl":"https://x","amount":999}`))
		},
		"missing ref": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"checkoutUrl":"https://x","amount":1000}`))
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()
			gw := payment.HTTPGateway{BaseURL: srv.URL, Client: resilience.HTTPClient{Client: srv.Client(), MaxAttempts: 2, BaseBackoff: time.Millisecond}}
			_, err := gw.CreateSession(context.Background(), payment.SessionRequest{OrderID: "o-1", Amount: 1000, Method: order.MethodCard})
			require.ErrorIs(t, err, payment.ErrGatewayUnavailable)
		})
	}
}

func TestHTTPGatewayHonoursCallerTimeout(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	gw := payment.HTTPGateway{BaseURL: srv.URL, Client: resilience.HTTPClient{Client: srv.Client(), MaxAttempts: 1}}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := gw.CreateSession(ctx, payment.SessionRequest{OrderID: "o-1", Amount: 1000, Method: order.MethodCard})
	require.ErrorIs(t, err, payment.ErrGatewayUnavailable)
	require.Less(t, time.Since(start), time.Second)
}

func TestSandboxGateway(t *testing.T) {
	resp, err := payment.SandboxGateway{BaseURL: "https://sandbox.test"}.CreateSession(context.Background(), payment.SessionRequest{OrderID: "o-9", Amount: 450, Method: order.MethodGCash})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(resp.Ref, "PS-"))
	require.True(t, strings.HasPrefix(resp.CheckoutURL, "https://sandbox.test/checkout/PS-"))
	require.Equal(t, int64(450), resp.Amount)
}
