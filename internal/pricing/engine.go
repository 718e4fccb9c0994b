package pricing

// Money represents a monetary value in whole currency units.
type Money = int64

// Item describes a line item used for pricing calculation.
type Item struct {
	Qty       int
	UnitPrice Money
}

// Shipping is the flat-rate shipping policy: free at or above FreeThreshold, FlatFee otherwise.
type Shipping struct {
	FreeThreshold Money
	FlatFee       Money
}

// DefaultShipping mirrors the storefront's published shipping rates.
var DefaultShipping = Shipping{FreeThreshold: 1000, FlatFee: 100}

// Fee returns the shipping fee owed for the given subtotal.
func (s Shipping) Fee(subtotal Money) Money {
	if subtotal >= s.FreeThreshold {
		return 0
	}
	if s.FlatFee < 0 {
		return 0
	}
	return s.FlatFee
}

// Summary aggregates computed pricing components.
type Summary struct {
	Subtotal Money
	Discount Money
	Shipping Money
	Total    Money
}

// Compute calculates order totals. The discount is clamped to the subtotal and
// the shipping fee is derived from the undiscounted subtotal.
func Compute(items []Item, discount Money, shipping Shipping) Summary {
	var subtotal Money
	for _, it := range items {
		if it.Qty <= 0 {
			continue
		}
		subtotal += Money(it.Qty) * it.UnitPrice
	}
	if discount < 0 {
		discount = 0
	}
	if discount > subtotal {
		discount = subtotal
	}
	fee := shipping.Fee(subtotal)
	return Summary{
		Subtotal: subtotal,
		Discount: discount,
		Shipping: fee,
		Total:    subtotal + fee - discount,
	}
}
