package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// OrderCreatedTotal counts order creation outcomes by payment method.
	OrderCreatedTotal *prometheus.CounterVec
	// PaymentSessionTotal counts payment session creation outcomes.
	PaymentSessionTotal *prometheus.CounterVec
	// PaymentSessionLatency records gateway round-trip latency in milliseconds.
	PaymentSessionLatency *prometheus.HistogramVec
	// PaymentWebhookTotal counts inbound payment webhook processing outcomes.
	PaymentWebhookTotal *prometheus.CounterVec
	// EventPublishTotal counts domain event publication outcomes by transport.
	EventPublishTotal *prometheus.CounterVec
	// NotificationTotal counts outbound notification outcomes by topic.
	NotificationTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		OrderCreatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_created_total",
			Help:      "Count of order creation attempts by payment method and outcome.",
		}, []string{"method", "result"})
		PaymentSessionTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_session_total",
			Help:      "Count of payment session creation outcomes.",
		}, []string{"gateway", "result"})
		PaymentSessionLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "payment_gateway_duration_ms",
			Help:      "Latency of payment gateway session calls in milliseconds.",
			Buckets:   []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		}, []string{"gateway", "result"})
		PaymentWebhookTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhook_total",
			Help:      "Count of processed payment webhooks by outcome.",
		}, []string{"result"})
		EventPublishTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_publish_total",
			Help:      "Count of domain event publications by transport and outcome.",
		}, []string{"transport", "result"})
		NotificationTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_total",
			Help:      "Count of customer notifications by topic and outcome.",
		}, []string{"topic", "result"})

		OrderCreatedTotal = registerOrReuse(reg, OrderCreatedTotal)
		PaymentSessionTotal = registerOrReuse(reg, PaymentSessionTotal)
		PaymentWebhookTotal = registerOrReuse(reg, PaymentWebhookTotal)
		EventPublishTotal = registerOrReuse(reg, EventPublishTotal)
		NotificationTotal = registerOrReuse(reg, NotificationTotal)
		PaymentSessionLatency = registerOrReuse(reg, PaymentSessionLatency)
	})
}

// CountInc increments a counter vec if metrics were registered.
func CountInc(vec *prometheus.CounterVec, labels ...string) {
	if vec == nil {
		return
	}
	vec.WithLabelValues(labels...).Inc()
}
