package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"

	validator "github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/toko-checkout/internal/common"
	"github.com/noah-isme/toko-checkout/internal/events"
	"github.com/noah-isme/toko-checkout/internal/obs"
	"github.com/noah-isme/toko-checkout/internal/order"
	"github.com/noah-isme/toko-checkout/internal/pricing"
)

// ErrEmptyCart is returned when an order is submitted without items.
var ErrEmptyCart = &common.ValidationError{Code: "EMPTY_CART", Field: "items", Message: "cart is empty"}

// CouponValidator resolves a coupon code into a discount for the given subtotal.
// Implementations return a *common.ValidationError for codes that do not apply.
type CouponValidator interface {
	Discount(ctx context.Context, userID, code string, subtotal pricing.Money) (pricing.Money, error)
}

// FixedCoupons is a CouponValidator over a static code to amount table.
type FixedCoupons map[string]pricing.Money

// Discount implements CouponValidator.
func (f FixedCoupons) Discount(_ context.Context, _ string, code string, _ pricing.Money) (pricing.Money, error) {
	amount, ok := f[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return 0, &common.ValidationError{Code: "INVALID_COUPON", Field: "couponCode", Message: "coupon is not valid"}
	}
	return amount, nil
}

// Line is a requested cart line.
type Line struct {
	ProductID string `json:"productId" validate:"required"`
	Quantity  int    `json:"quantity" validate:"gt=0"`
}

// Input is the cart snapshot submitted at checkout.
type Input struct {
	Items           []Line              `json:"items" validate:"dive"`
	ShippingAddress *order.Address      `json:"shippingAddress" validate:"required"`
	PaymentMethod   order.PaymentMethod `json:"paymentMethod" validate:"required"`
	CouponCode      string              `json:"couponCode,omitempty"`
}

// Output summarises the placed order.
type Output struct {
	OrderID       string              `json:"orderId"`
	Status        order.Status        `json:"status"`
	PaymentStatus order.PaymentStatus `json:"paymentStatus"`
	PaymentMethod order.PaymentMethod `json:"paymentMethod"`
	Subtotal      pricing.Money       `json:"subtotal"`
	ShippingFee   pricing.Money       `json:"shippingFee"`
	Discount      pricing.Money       `json:"discount"`
	Total         pricing.Money       `json:"total"`
	Currency      string              `json:"currency"`
}

// Service places orders from cart snapshots.
type Service struct {
	Store    order.Store
	Coupons  CouponValidator
	Shipping pricing.Shipping
	Currency string
	Events   *events.Bus
	Logger   zerolog.Logger
	Validate *validator.Validate
}

// CreateOrder validates the snapshot, prices it against current catalog prices
// and persists the order while reserving stock. COD orders start in processing;
// online orders wait for a payment session.
func (s *Service) CreateOrder(ctx context.Context, userID string, in Input) (out Output, err error) {
	if s == nil || s.Store == nil {
		return Output{}, errors.New("checkout service not configured")
	}
	ctx, span := otel.Tracer("checkout.Service").Start(ctx, "Service.CreateOrder")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	span.SetAttributes(attribute.String("payment.method", string(in.PaymentMethod)))
	defer func() {
		result := "success"
		if err != nil {
			result = "error"
		}
		obs.CountInc(obs.OrderCreatedTotal, string(in.PaymentMethod), result)
	}()

	if len(in.Items) == 0 {
		return Output{}, ErrEmptyCart
	}
	v := s.Validate
	if v == nil {
		v = common.NewValidator()
	}
	if err := v.Struct(in); err != nil {
		return Output{}, common.FromValidator(err)
	}
	if !in.PaymentMethod.Valid() {
		return Output{}, &common.ValidationError{Code: "VALIDATION_ERROR", Field: "paymentMethod", Message: "unsupported payment method"}
	}

	lines := mergeLines(in.Items)
	ids := make([]string, 0, len(lines))
	for _, l := range lines {
		ids = append(ids, l.ProductID)
	}
	products, err := s.Store.Products(ctx, ids)
	if err != nil {
		return Output{}, fmt.Errorf("load products: %w", err)
	}
	items := make([]order.Item, 0, len(lines))
	priced := make([]pricing.Item, 0, len(lines))
	for _, l := range lines {
		p, ok := products[l.ProductID]
		if !ok {
			return Output{}, &order.OutOfStockError{ProductID: l.ProductID, Requested: l.Quantity}
		}
		if p.Stock < l.Quantity {
			return Output{}, &order.OutOfStockError{ProductID: l.ProductID, Requested: l.Quantity, Available: p.Stock}
		}
		items = append(items, order.Item{ProductID: p.ID, Name: p.Name, Quantity: l.Quantity, UnitPrice: p.Price})
		priced = append(priced, pricing.Item{Qty: l.Quantity, UnitPrice: p.Price})
	}

	subtotal := pricing.Compute(priced, 0, s.Shipping).Subtotal
	var discount pricing.Money
	coupon := strings.ToUpper(strings.TrimSpace(in.CouponCode))
	if coupon != "" && s.Coupons != nil {
		discount, err = s.Coupons.Discount(ctx, userID, coupon, subtotal)
		if err != nil {
			return Output{}, err
		}
	} else {
		coupon = ""
	}
	summary := pricing.Compute(priced, discount, s.Shipping)
	status, paymentStatus := order.InitialStatuses(in.PaymentMethod)

	created, err := s.Store.CreateOrder(ctx, order.Order{
		UserID:          userID,
		Items:           items,
		ShippingAddress: *in.ShippingAddress,
		PaymentMethod:   in.PaymentMethod,
		Status:          status,
		PaymentStatus:   paymentStatus,
		Subtotal:        summary.Subtotal,
		ShippingFee:     summary.Shipping,
		Discount:        summary.Discount,
		Total:           summary.Total,
		Currency:        s.Currency,
		CouponCode:      coupon,
		ContactEmail:    common.UserEmail(ctx),
	})
	if err != nil {
		var oos *order.OutOfStockError
		if errors.As(err, &oos) {
			return Output{}, err
		}
		return Output{}, fmt.Errorf("create order: %w", err)
	}
	span.SetAttributes(attribute.String("order.id", created.ID))

	if s.Events != nil {
		payload := map[string]any{
			"orderId":       created.ID,
			"userId":        userID,
			"total":         created.Total,
			"currency":      created.Currency,
			"paymentMethod": created.PaymentMethod,
		}
		if created.ContactEmail != "" {
			payload["email"] = created.ContactEmail
		}
		if _, err := s.Events.Emit(ctx, events.TopicOrderCreated, created.ID, payload); err != nil {
			s.Logger.Warn().Err(err).Str("order_id", created.ID).Msg("emit order.created failed")
		}
	}

	return Output{
		OrderID:       created.ID,
		Status:        created.Status,
		PaymentStatus: created.PaymentStatus,
		PaymentMethod: created.PaymentMethod,
		Subtotal:      created.Subtotal,
		ShippingFee:   created.ShippingFee,
		Discount:      created.Discount,
		Total:         created.Total,
		Currency:      created.Currency,
	}, nil
}

// mergeLines sums quantities of repeated products, keeping first-seen order.
func mergeLines(in []Line) []Line {
	at := make(map[string]int, len(in))
	out := make([]Line, 0, len(in))
	for _, l := range in {
		if i, ok := at[l.ProductID]; ok {
			out[i].Quantity += l.Quantity
			continue
		}
		at[l.ProductID] = len(out)
		out = append(out, Line{ProductID: l.ProductID, Quantity: l.Quantity})
	}
	return out
}
