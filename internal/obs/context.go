package obs

import (
	"context"
	"sync"
)

type routePatternKey struct{}

type checkoutTagsKey struct{}

// WithRoutePattern stores the matched router pattern on the context.
func WithRoutePattern(ctx context.Context, pattern string) context.Context {
	return context.WithValue(ctx, routePatternKey{}, pattern)
}

// RoutePatternFromContext returns the stored route pattern or "".
func RoutePatternFromContext(ctx context.Context) string {
	v, _ := ctx.Value(routePatternKey{}).(string)
	return v
}

// CheckoutTags holds the order id and payment reference a request touched.
// Handlers fill it in as they resolve them; the request logger, the tracing
// middleware and the pgx tracer read it back.
type CheckoutTags struct {
	mu         sync.Mutex
	orderID    string
	paymentRef string
}

// OrderID returns the tagged order id.
func (t *CheckoutTags) OrderID() string {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.orderID
}

// PaymentRef returns the tagged payment reference.
func (t *CheckoutTags) PaymentRef() string {
	if t == nil {
		return ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paymentRef
}

// WithCheckoutTags attaches an empty tag set unless ctx already carries one.
func WithCheckoutTags(ctx context.Context) (context.Context, *CheckoutTags) {
	if tags := CheckoutTagsFrom(ctx); tags != nil {
		return ctx, tags
	}
	tags := &CheckoutTags{}
	return context.WithValue(ctx, checkoutTagsKey{}, tags), tags
}

// CheckoutTagsFrom returns the tag set on ctx, or nil.
func CheckoutTagsFrom(ctx context.Context) *CheckoutTags {
	tags, _ := ctx.Value(checkoutTagsKey{}).(*CheckoutTags)
	return tags
}

// TagOrder records the order id handled by the current request. It is a
// no-op outside a tagged request.
func TagOrder(ctx context.Context, orderID string) {
	tags := CheckoutTagsFrom(ctx)
	if tags == nil || orderID == "" {
		return
	}
	tags.mu.Lock()
	tags.orderID = orderID
	tags.mu.Unlock()
}

// TagPayment records the payment reference handled by the current request.
func TagPayment(ctx context.Context, ref string) {
	tags := CheckoutTagsFrom(ctx)
	if tags == nil || ref == "" {
		return
	}
	tags.mu.Lock()
	tags.paymentRef = ref
	tags.mu.Unlock()
}
