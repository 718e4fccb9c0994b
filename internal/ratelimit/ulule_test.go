package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-checkout/internal/common"
)

func hit(h http.Handler, user string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", nil)
	if user != "" {
		req = req.WithContext(common.WithUserID(req.Context(), user))
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestFixedWindowMemoryStorePerUser(t *testing.T) {
	fw, err := NewFixedWindow("2-M", "orders:", nil)
	require.NoError(t, err)
	h := fw.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	require.Equal(t, http.StatusCreated, hit(h, "u1").Code)
	require.Equal(t, http.StatusCreated, hit(h, "u1").Code)
	rr := hit(h, "u1")
	require.Equal(t, http.StatusTooManyRequests, rr.Code)
	require.Contains(t, rr.Body.String(), "RATE_LIMITED")
	require.Equal(t, "0", rr.Header().Get("X-RateLimit-Remaining"))

	require.Equal(t, http.StatusCreated, hit(h, "u2").Code, "limits are per user")
}

func TestFixedWindowRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	fw, err := NewFixedWindowRate(1, time.Minute, "status:", client)
	require.NoError(t, err)
	h := fw.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	require.Equal(t, http.StatusOK, hit(h, "u1").Code)
	require.Equal(t, http.StatusTooManyRequests, hit(h, "u1").Code)
}

func TestNewFixedWindowRejectsBadRate(t *testing.T) {
	_, err := NewFixedWindow("lots", "x:", nil)
	require.Error(t, err)
}
