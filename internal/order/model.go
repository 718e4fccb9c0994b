package order

import (
	"time"

	"github.com/noah-isme/toko-checkout/internal/pricing"
)

// Status is the fulfilment axis of an order.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
)

// PaymentStatus is the money axis of an order, independent of Status.
type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

// PaymentMethod identifies how the customer intends to pay.
type PaymentMethod string

const (
	MethodCOD     PaymentMethod = "cod"
	MethodGCash   PaymentMethod = "gcash"
	MethodCard    PaymentMethod = "card"
	MethodEWallet PaymentMethod = "ewallet"
	MethodBank    PaymentMethod = "bank"
)

// Valid reports whether m is a supported payment method.
func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCOD, MethodGCash, MethodCard, MethodEWallet, MethodBank:
		return true
	}
	return false
}

// Online reports whether the method settles through the payment gateway.
func (m PaymentMethod) Online() bool {
	return m.Valid() && m != MethodCOD
}

// SessionStatus is the lifecycle of a single gateway checkout session.
// SessionExpired is never persisted; clients derive it when polling times out.
type SessionStatus string

const (
	SessionPending SessionStatus = "pending"
	SessionPaid    SessionStatus = "paid"
	SessionFailed  SessionStatus = "failed"
	SessionExpired SessionStatus = "expired"
)

// Terminal reports whether no further transition may leave s.
func (s SessionStatus) Terminal() bool {
	return s == SessionPaid || s == SessionFailed || s == SessionExpired
}

// Address is the structured shipping address captured at checkout.
type Address struct {
	Recipient  string `json:"recipient" validate:"required"`
	Phone      string `json:"phone"`
	Line1      string `json:"line1" validate:"required"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city" validate:"required"`
	Province   string `json:"province,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	Country    string `json:"country,omitempty"`
}

// Item is a line snapshot; UnitPrice is the catalog price at order time.
type Item struct {
	ProductID string        `json:"productId"`
	Name      string        `json:"name"`
	Quantity  int           `json:"quantity"`
	UnitPrice pricing.Money `json:"unitPrice"`
}

// Order is a placed order. Totals never change after creation.
type Order struct {
	ID              string
	UserID          string
	Items           []Item
	ShippingAddress Address
	PaymentMethod   PaymentMethod
	Status          Status
	PaymentStatus   PaymentStatus
	Subtotal        pricing.Money
	ShippingFee     pricing.Money
	Discount        pricing.Money
	Total           pricing.Money
	Currency        string
	CouponCode      string
	ContactEmail    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Session is a checkout session opened with the payment gateway.
type Session struct {
	Ref         string
	OrderID     string
	Amount      pricing.Money
	CheckoutURL string
	Method      PaymentMethod
	PaymentType string
	Status      SessionStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Product is the stock-bearing catalog entry read at order time.
type Product struct {
	ID    string
	Name  string
	Price pricing.Money
	Stock int
}

// InitialStatuses returns the starting fulfilment and payment status for a method.
func InitialStatuses(m PaymentMethod) (Status, PaymentStatus) {
	if m == MethodCOD {
		return StatusProcessing, PaymentPending
	}
	return StatusPending, PaymentPending
}

// PaymentStatusFor maps a terminal session status onto the order's payment axis.
func PaymentStatusFor(s SessionStatus) PaymentStatus {
	switch s {
	case SessionPaid:
		return PaymentPaid
	case SessionFailed:
		return PaymentFailed
	default:
		return PaymentPending
	}
}
