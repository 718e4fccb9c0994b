package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-checkout/internal/auth"
	"github.com/noah-isme/toko-checkout/internal/checkout"
	"github.com/noah-isme/toko-checkout/internal/common"
	"github.com/noah-isme/toko-checkout/internal/health"
	"github.com/noah-isme/toko-checkout/internal/obs"
	"github.com/noah-isme/toko-checkout/internal/order"
	"github.com/noah-isme/toko-checkout/internal/payment"
	"github.com/noah-isme/toko-checkout/internal/security"
)

// routes is everything the router needs; main builds it from config.
type routes struct {
	Logger         zerolog.Logger
	Auth           auth.Middleware
	Idem           common.Idem
	Checkout       *checkout.Handler
	Orders         *order.Handler
	OrdersAdmin    *order.AdminHandler
	Payments       *payment.Handler
	Health         health.Handler
	OrderLimit     func(http.Handler) http.Handler
	StatusLimit    func(http.Handler) http.Handler
	WebhookMaxBody int64
	CORSOrigins    []string
	HTTPMetrics    *obs.HTTPMetrics
	Tracing        bool
	Metrics        bool
	HSTS           bool
}

func passThrough(next http.Handler) http.Handler { return next }

func orPass(mw func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	if mw == nil {
		return passThrough
	}
	return mw
}

func newRouter(rt routes) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.CheckoutScope)
	if rt.Tracing {
		r.Use(obs.TracingMiddleware)
	}
	if rt.HTTPMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: rt.HTTPMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: rt.Logger}.Middleware)
	r.Use(security.Headers{EnableHSTS: rt.HSTS}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(rt.CORSOrigins),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "Retry-After"},
		MaxAge:         300,
	}))

	if rt.Metrics {
		r.Handle("/metrics", promhttp.Handler())
	}
	r.Get("/health/live", rt.Health.Live)
	r.Get("/health/ready", rt.Health.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		v.With(security.BodyLimit{Max: rt.WebhookMaxBody}.Middleware).Post("/webhooks/payment", rt.Payments.Webhook)

		v.Group(func(authR chi.Router) {
			authR.Use(rt.Auth.RequireAuth)

			authR.With(orPass(rt.OrderLimit), rt.Idem.Middleware).Post("/orders", rt.Checkout.CreateOrder)
			authR.Get("/orders/{orderId}", rt.Orders.Get)
			authR.Post("/orders/{orderId}/cancel", rt.Orders.Cancel)

			authR.With(rt.Idem.Middleware).Post("/payments/sessions", rt.Payments.CreateSession)
			authR.With(orPass(rt.StatusLimit)).Get("/payments/{ref}/status", rt.Payments.Status)
		})

		v.Route("/admin", func(admin chi.Router) {
			admin.Use(rt.Auth.RequireAuth)
			admin.Use(auth.RequireRole("admin"))
			admin.Patch("/orders/{id}/status", rt.OrdersAdmin.PatchStatus)
			admin.Patch("/orders/{id}/payment-status", rt.OrdersAdmin.PatchPaymentStatus)
		})
	})
	return r
}

func allowedOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
