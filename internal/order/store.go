package order

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an order, session or product does not exist.
	ErrNotFound = errors.New("order: not found")
	// ErrInvalidTransition is returned when a conditional status update finds a different current state.
	ErrInvalidTransition = errors.New("order: invalid state transition")
	// ErrPaymentInFlight is returned when an order still has a pending payment session.
	ErrPaymentInFlight = errors.New("order: payment session still pending")
)

// OutOfStockError reports the first line that could not be reserved.
type OutOfStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *OutOfStockError) Error() string {
	return fmt.Sprintf("order: product %s out of stock (requested %d, available %d)", e.ProductID, e.Requested, e.Available)
}

// Store persists orders, payment sessions and the stock they reserve.
//
// CreateOrder decrements stock for every item and inserts the order in one
// atomic step. CompareAndSetSessionStatus moves a session from expected to next
// and, only when that took effect, updates the owning order in the same step:
// paid sets payment_status=paid and promotes a pending order to processing;
// failed sets payment_status=failed when the session is the order's latest.
// CreateSession resets a failed order back to payment_status=pending and
// refuses cancelled orders with ErrInvalidTransition.
//
// CancelOrder moves an order from `from` to cancelled and returns its reserved
// stock in one step. It fails with ErrPaymentInFlight while any session of the
// order is pending, so a late success can never land on a cancelled order.
type Store interface {
	Products(ctx context.Context, ids []string) (map[string]Product, error)
	CreateOrder(ctx context.Context, o Order) (Order, error)
	GetOrder(ctx context.Context, id string) (Order, error)
	UpdateStatus(ctx context.Context, id string, from, to Status) (Order, error)
	UpdatePaymentStatus(ctx context.Context, id string, from, to PaymentStatus) (Order, error)
	CancelOrder(ctx context.Context, id string, from Status) (Order, error)

	CreateSession(ctx context.Context, s Session) (Session, error)
	GetSession(ctx context.Context, ref string) (Session, error)
	LatestSession(ctx context.Context, orderID string) (Session, error)
	CompareAndSetSessionStatus(ctx context.Context, ref string, expected, next SessionStatus) (bool, error)
}
