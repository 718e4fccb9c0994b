package obs

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Flow labels group routes by the part of checkout they serve.
const (
	FlowOrder   = "order"
	FlowPayment = "payment"
	FlowWebhook = "webhook"
	FlowAdmin   = "admin"
	FlowOps     = "ops"
)

// UnmatchedRoute labels requests chi could not route, keeping the route
// label bounded.
const UnmatchedRoute = "unmatched"

// HTTPMetrics groups the request collectors. Every series carries the chi
// route pattern and its checkout flow.
type HTTPMetrics struct {
	ReqTotal *prometheus.CounterVec
	ReqDur   *prometheus.HistogramVec
	InFlight *prometheus.GaugeVec
}

// NewHTTPMetrics registers the request collectors on reg, or the default
// registerer when reg is nil.
func NewHTTPMetrics(namespace string, buckets []float64, reg prometheus.Registerer) *HTTPMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if len(buckets) == 0 {
		buckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500}
	} else {
		sort.Float64s(buckets)
	}
	m := &HTTPMetrics{
		ReqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "checkout",
			Name:      "http_requests_total",
			Help:      "Checkout API requests by flow, route and status.",
		}, []string{"flow", "method", "route", "status"}),
		ReqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "checkout",
			Name:      "http_request_duration_ms",
			Help:      "Checkout API latency in milliseconds by flow and route.",
			Buckets:   buckets,
		}, []string{"flow", "method", "route"}),
		InFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "checkout",
			Name:      "http_in_flight_requests",
			Help:      "Checkout API requests currently being served, by flow.",
		}, []string{"flow"}),
	}
	m.ReqTotal = registerOrReuse(reg, m.ReqTotal)
	m.ReqDur = registerOrReuse(reg, m.ReqDur)
	m.InFlight = registerOrReuse(reg, m.InFlight)
	return m
}

// FlowForRoute maps a chi route pattern to its checkout flow.
func FlowForRoute(route string) string {
	switch {
	case strings.HasPrefix(route, "/api/v1/webhooks/"):
		return FlowWebhook
	case strings.HasPrefix(route, "/api/v1/admin/"):
		return FlowAdmin
	case strings.HasPrefix(route, "/api/v1/payments"):
		return FlowPayment
	case strings.HasPrefix(route, "/api/v1/orders"):
		return FlowOrder
	default:
		return FlowOps
	}
}

// ParseBucketsCSV converts "5,10,25" into histogram bounds, skipping entries
// that are not positive numbers.
func ParseBucketsCSV(csv string) []float64 {
	var out []float64
	for _, part := range strings.Split(csv, ",") {
		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil || v <= 0 {
			continue
		}
		out = append(out, v)
	}
	return out
}

// DurationMillis converts a duration to milliseconds for metric observation.
func DurationMillis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// registerOrReuse registers c, returning the collector already registered
// under the same descriptor when there is one.
func registerOrReuse[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing
		}
	}
	panic(fmt.Errorf("register %T: %w", c, err))
}
