package payment

import (
	"errors"
	"fmt"

	"github.com/noah-isme/toko-checkout/internal/common"
)

var (
	// ErrOrderNotFound is returned when a session is requested for an unknown or foreign order.
	ErrOrderNotFound = errors.New("payment: order not found")
	// ErrAlreadyPaid is returned when a session is requested for a settled order.
	ErrAlreadyPaid = errors.New("payment: order already paid")
	// ErrGatewayUnavailable wraps every failure to open a gateway session.
	ErrGatewayUnavailable = errors.New("payment: gateway unavailable")
	// ErrInvalidSignature is returned when a webhook fails authentication.
	ErrInvalidSignature = errors.New("payment: invalid webhook signature")
	// ErrStaleWebhook is returned when a webhook timestamp falls outside the accepted window.
	ErrStaleWebhook = fmt.Errorf("%w: timestamp outside accepted window", ErrInvalidSignature)
	// ErrAmountMismatch is returned when a webhook amount differs from the session amount.
	ErrAmountMismatch = errors.New("payment: webhook amount does not match session")
	// ErrSessionNotFound is returned for unknown payment refs.
	ErrSessionNotFound = errors.New("payment: session not found")

	// ErrCODOrder rejects online payment for cash-on-delivery orders.
	ErrCODOrder = &common.ValidationError{Code: "COD_ORDER", Field: "paymentMethod", Message: "cash on delivery orders are paid on delivery"}
	// ErrOrderCancelled rejects payment for cancelled orders.
	ErrOrderCancelled = &common.ValidationError{Code: "ORDER_CANCELLED", Field: "orderId", Message: "order has been cancelled"}
)

// InvalidPayloadError reports a webhook body that is authentic but unusable.
type InvalidPayloadError struct {
	Field  string
	Reason string
}

func (e *InvalidPayloadError) Error() string {
	return fmt.Sprintf("payment: invalid webhook %s: %s", e.Field, e.Reason)
}
