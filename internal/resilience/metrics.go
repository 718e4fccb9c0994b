package resilience

import "github.com/prometheus/client_golang/prometheus"

// Breaker collectors are labelled by the gateway the breaker guards, so each
// payment provider gets its own series.
var (
	BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "toko",
		Subsystem: "payment_gateway",
		Name:      "breaker_state",
		Help:      "Breaker state per payment gateway: 0=closed, 1=open, 2=half-open.",
	}, []string{"gateway"})
	BreakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "toko",
		Subsystem: "payment_gateway",
		Name:      "breaker_transitions_total",
		Help:      "Breaker state transitions per payment gateway.",
	}, []string{"gateway", "from", "to"})
	BreakerOpenedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "toko",
		Subsystem: "payment_gateway",
		Name:      "breaker_opened_total",
		Help:      "Times the breaker for a payment gateway opened.",
	}, []string{"gateway"})
	BreakerRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "toko",
		Subsystem: "payment_gateway",
		Name:      "breaker_rejected_total",
		Help:      "Gateway calls refused without contacting the gateway because its breaker was open.",
	}, []string{"gateway"})
)

func init() {
	prometheus.MustRegister(BreakerState, BreakerTransitions, BreakerOpenedTotal, BreakerRejectedTotal)
}
