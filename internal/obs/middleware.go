package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(p []byte) (int, error) {
	n, err := sr.ResponseWriter.Write(p)
	sr.bytes += int64(n)
	return n, err
}

// CheckoutScope attaches an empty CheckoutTags set to every request. It must
// run before the logging, tracing and metrics middleware so they can read
// what handlers tagged.
func CheckoutScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, _ := WithCheckoutTags(r.Context())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// routeOf returns the route pattern matched for r. chi fills the pattern in
// while routing, so it is only complete once the handler has run.
func routeOf(r *http.Request) string {
	if route := RoutePatternFromContext(r.Context()); route != "" {
		return route
	}
	if rc := chi.RouteContext(r.Context()); rc != nil {
		return rc.RoutePattern()
	}
	return ""
}

// HTTPObs records request metrics labelled by checkout flow and route.
type HTTPObs struct {
	Metrics *HTTPMetrics
}

// Middleware implements chi middleware.
func (o HTTPObs) Middleware(next http.Handler) http.Handler {
	if o.Metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := newStatusRecorder(w)
		// The route is unknown until chi has matched it, so in-flight is
		// tracked by URL prefix instead.
		inFlight := o.Metrics.InFlight.WithLabelValues(FlowForRoute(r.URL.Path))
		inFlight.Inc()
		start := time.Now()
		next.ServeHTTP(rec, r)
		inFlight.Dec()

		route := routeOf(r)
		if route == "" {
			route = UnmatchedRoute
		}
		flow := FlowForRoute(route)
		o.Metrics.ReqTotal.WithLabelValues(flow, r.Method, route, strconv.Itoa(rec.status)).Inc()
		o.Metrics.ReqDur.WithLabelValues(flow, r.Method, route).Observe(DurationMillis(time.Since(start)))
	})
}

// TracingMiddleware opens a server span per request. The span is renamed to
// the matched route and annotated with the order and payment the handler
// tagged.
func TracingMiddleware(next http.Handler) http.Handler {
	tracer := otel.Tracer("http.server")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()
		rec := newStatusRecorder(w)
		r = r.WithContext(ctx)
		next.ServeHTTP(rec, r)

		route := routeOf(r)
		if route != "" {
			span.SetName(r.Method + " " + route)
		} else {
			route = UnmatchedRoute
		}
		span.SetAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.route", route),
			attribute.String("http.target", r.URL.Path),
			attribute.Int("http.status_code", rec.status),
			attribute.String("checkout.flow", FlowForRoute(route)),
		)
		span.SetAttributes(checkoutAttributes(CheckoutTagsFrom(ctx))...)
		if rec.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(rec.status))
		}
	})
}
