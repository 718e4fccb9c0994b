package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/noah-isme/toko-checkout/internal/order"
)

const foreignKeyViolation = "23503"

// Orders is the PostgreSQL implementation of order.Store.
type Orders struct {
	Pool *pgxpool.Pool
}

var _ order.Store = (*Orders)(nil)

// Ping reports whether the pool can reach the database.
func (r *Orders) Ping(ctx context.Context) error {
	return r.Pool.Ping(ctx)
}

const selectOrder = `SELECT id, user_id, payment_method, status, payment_status, subtotal, shipping_fee,
	discount, total, currency, coupon_code, contact_email, shipping_address, created_at, updated_at
FROM orders WHERE id = $1`

const selectSession = `SELECT ref, order_id, amount, checkout_url, method, payment_type, status, created_at, updated_at
FROM payment_sessions`

// Products loads catalog entries by id; unknown ids are omitted.
func (r *Orders) Products(ctx context.Context, ids []string) (map[string]order.Product, error) {
	rows, err := r.Pool.Query(ctx, `SELECT id, name, price, stock FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	products, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (order.Product, error) {
		var p order.Product
		err := row.Scan(&p.ID, &p.Name, &p.Price, &p.Stock)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan products: %w", err)
	}
	out := make(map[string]order.Product, len(products))
	for _, p := range products {
		out[p.ID] = p
	}
	return out, nil
}

// UpsertProduct creates or replaces a catalog entry. Used by seeding and tests.
func (r *Orders) UpsertProduct(ctx context.Context, p order.Product) error {
	_, err := r.Pool.Exec(ctx, `INSERT INTO products (id, name, price, stock) VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, price = EXCLUDED.price, stock = EXCLUDED.stock, updated_at = now()`,
		p.ID, p.Name, p.Price, p.Stock)
	return err
}

// CreateOrder reserves stock and inserts the order with its items in one transaction.
func (r *Orders) CreateOrder(ctx context.Context, o order.Order) (order.Order, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	address, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return order.Order{}, fmt.Errorf("encode address: %w", err)
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return order.Order{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	want := map[string]int{}
	for _, it := range o.Items {
		want[it.ProductID] += it.Quantity
	}
	ids := make([]string, 0, len(want))
	for id := range want {
		ids = append(ids, id)
	}
	// Fixed lock order keeps concurrent checkouts from deadlocking.
	sort.Strings(ids)
	for _, id := range ids {
		tag, err := tx.Exec(ctx, `UPDATE products SET stock = stock - $2, updated_at = now() WHERE id = $1 AND stock >= $2`, id, want[id])
		if err != nil {
			return order.Order{}, fmt.Errorf("reserve stock: %w", err)
		}
		if tag.RowsAffected() == 1 {
			continue
		}
		var available int
		err = tx.QueryRow(ctx, `SELECT stock FROM products WHERE id = $1`, id).Scan(&available)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return order.Order{}, fmt.Errorf("read stock: %w", err)
		}
		return order.Order{}, &order.OutOfStockError{ProductID: id, Requested: want[id], Available: available}
	}

	err = tx.QueryRow(ctx, `INSERT INTO orders (id, user_id, payment_method, status, payment_status, subtotal,
	shipping_fee, discount, total, currency, coupon_code, contact_email, shipping_address)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
RETURNING created_at, updated_at`,
		o.ID, o.UserID, string(o.PaymentMethod), string(o.Status), string(o.PaymentStatus), o.Subtotal,
		o.ShippingFee, o.Discount, o.Total, o.Currency, o.CouponCode, o.ContactEmail, address,
	).Scan(&o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return order.Order{}, fmt.Errorf("insert order: %w", err)
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{"order_items"},
		[]string{"order_id", "position", "product_id", "name", "quantity", "unit_price"},
		pgx.CopyFromSlice(len(o.Items), func(i int) ([]any, error) {
			it := o.Items[i]
			return []any{o.ID, i, it.ProductID, it.Name, it.Quantity, it.UnitPrice}, nil
		}),
	)
	if err != nil {
		return order.Order{}, fmt.Errorf("insert order items: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return order.Order{}, err
	}
	return o, nil
}

// GetOrder loads an order with its item snapshot.
func (r *Orders) GetOrder(ctx context.Context, id string) (order.Order, error) {
	o, err := scanOrder(r.Pool.QueryRow(ctx, selectOrder, id))
	if err != nil {
		return order.Order{}, err
	}
	rows, err := r.Pool.Query(ctx, `SELECT product_id, name, quantity, unit_price FROM order_items WHERE order_id = $1 ORDER BY position`, id)
	if err != nil {
		return order.Order{}, fmt.Errorf("query order items: %w", err)
	}
	o.Items, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (order.Item, error) {
		var it order.Item
		err := row.Scan(&it.ProductID, &it.Name, &it.Quantity, &it.UnitPrice)
		return it, err
	})
	if err != nil {
		return order.Order{}, fmt.Errorf("scan order items: %w", err)
	}
	return o, nil
}

// UpdateStatus changes the fulfilment status only if it currently equals from.
func (r *Orders) UpdateStatus(ctx context.Context, id string, from, to order.Status) (order.Order, error) {
	tag, err := r.Pool.Exec(ctx, `UPDATE orders SET status = $3, updated_at = now() WHERE id = $1 AND status = $2`, id, string(from), string(to))
	if err != nil {
		return order.Order{}, fmt.Errorf("update order status: %w", err)
	}
	return r.afterConditionalUpdate(ctx, id, tag)
}

// UpdatePaymentStatus changes the payment status only if it currently equals from.
func (r *Orders) UpdatePaymentStatus(ctx context.Context, id string, from, to order.PaymentStatus) (order.Order, error) {
	tag, err := r.Pool.Exec(ctx, `UPDATE orders SET payment_status = $3, updated_at = now() WHERE id = $1 AND payment_status = $2`, id, string(from), string(to))
	if err != nil {
		return order.Order{}, fmt.Errorf("update payment status: %w", err)
	}
	return r.afterConditionalUpdate(ctx, id, tag)
}

func (r *Orders) afterConditionalUpdate(ctx context.Context, id string, tag pgconn.CommandTag) (order.Order, error) {
	o, err := r.GetOrder(ctx, id)
	if err != nil {
		return order.Order{}, err
	}
	if tag.RowsAffected() == 0 {
		return order.Order{}, order.ErrInvalidTransition
	}
	return o, nil
}

// CancelOrder cancels an order still in from, refusing while a session is
// pending, and puts its items back into stock.
func (r *Orders) CancelOrder(ctx context.Context, id string, from order.Status) (order.Order, error) {
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return order.Order{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return order.Order{}, order.ErrNotFound
	}
	if err != nil {
		return order.Order{}, fmt.Errorf("lock order: %w", err)
	}
	if order.Status(status) != from {
		return order.Order{}, order.ErrInvalidTransition
	}
	var inFlight bool
	err = tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payment_sessions WHERE order_id = $1 AND status = 'pending')`, id).Scan(&inFlight)
	if err != nil {
		return order.Order{}, fmt.Errorf("check pending sessions: %w", err)
	}
	if inFlight {
		return order.Order{}, order.ErrPaymentInFlight
	}
	_, err = tx.Exec(ctx, `UPDATE products p SET stock = p.stock + i.qty, updated_at = now()
FROM (SELECT product_id, SUM(quantity) AS qty FROM order_items WHERE order_id = $1 GROUP BY product_id) i
WHERE p.id = i.product_id`, id)
	if err != nil {
		return order.Order{}, fmt.Errorf("restore stock: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE orders SET status = 'cancelled', updated_at = now() WHERE id = $1`, id); err != nil {
		return order.Order{}, fmt.Errorf("cancel order: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return order.Order{}, err
	}
	return r.GetOrder(ctx, id)
}

// CreateSession records a new pending session and re-arms a failed order.
func (r *Orders) CreateSession(ctx context.Context, s order.Session) (order.Session, error) {
	if s.Status == "" {
		s.Status = order.SessionPending
	}
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return order.Session{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Locking the order row serialises this insert with CancelOrder.
	var status string
	err = tx.QueryRow(ctx, `SELECT status FROM orders WHERE id = $1 FOR UPDATE`, s.OrderID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return order.Session{}, order.ErrNotFound
	}
	if err != nil {
		return order.Session{}, fmt.Errorf("lock order: %w", err)
	}
	if order.Status(status) == order.StatusCancelled {
		return order.Session{}, order.ErrInvalidTransition
	}

	err = tx.QueryRow(ctx, `INSERT INTO payment_sessions (ref, order_id, amount, checkout_url, method, payment_type, status)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING created_at, updated_at`,
		s.Ref, s.OrderID, s.Amount, s.CheckoutURL, string(s.Method), s.PaymentType, string(s.Status),
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
			return order.Session{}, order.ErrNotFound
		}
		return order.Session{}, fmt.Errorf("insert payment session: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE orders SET payment_status = 'pending', updated_at = now() WHERE id = $1 AND payment_status = 'failed'`, s.OrderID); err != nil {
		return order.Session{}, fmt.Errorf("reset payment status: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return order.Session{}, err
	}
	return s, nil
}

// GetSession loads a session by gateway reference.
func (r *Orders) GetSession(ctx context.Context, ref string) (order.Session, error) {
	return scanSession(r.Pool.QueryRow(ctx, selectSession+` WHERE ref = $1`, ref))
}

// LatestSession returns the most recently created session for an order.
func (r *Orders) LatestSession(ctx context.Context, orderID string) (order.Session, error) {
	return scanSession(r.Pool.QueryRow(ctx, selectSession+` WHERE order_id = $1 ORDER BY seq DESC LIMIT 1`, orderID))
}

// CompareAndSetSessionStatus is the single atomic write behind webhook application.
func (r *Orders) CompareAndSetSessionStatus(ctx context.Context, ref string, expected, next order.SessionStatus) (bool, error) {
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var orderID string
	err = tx.QueryRow(ctx, `UPDATE payment_sessions SET status = $3, updated_at = now()
WHERE ref = $1 AND status = $2
RETURNING order_id`, ref, string(expected), string(next)).Scan(&orderID)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payment_sessions WHERE ref = $1)`, ref).Scan(&exists); err != nil {
			return false, fmt.Errorf("check session: %w", err)
		}
		if !exists {
			return false, order.ErrNotFound
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("transition session: %w", err)
	}

	switch outcome := order.PaymentStatusFor(next); outcome {
	case order.PaymentPaid:
		_, err = tx.Exec(ctx, `UPDATE orders SET payment_status = $2,
	status = CASE WHEN status = 'pending' THEN 'processing' ELSE status END,
	updated_at = now()
WHERE id = $1`, orderID, string(outcome))
	case order.PaymentFailed:
		_, err = tx.Exec(ctx, `UPDATE orders SET payment_status = $3, updated_at = now()
WHERE id = $1 AND payment_status = 'pending'
	AND $2 = (SELECT ref FROM payment_sessions WHERE order_id = $1 ORDER BY seq DESC LIMIT 1)`, orderID, ref, string(outcome))
	}
	if err != nil {
		return false, fmt.Errorf("apply session outcome to order: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func scanOrder(row pgx.Row) (order.Order, error) {
	var o order.Order
	var method, status, paymentStatus string
	var address []byte
	err := row.Scan(&o.ID, &o.UserID, &method, &status, &paymentStatus, &o.Subtotal, &o.ShippingFee,
		&o.Discount, &o.Total, &o.Currency, &o.CouponCode, &o.ContactEmail, &address, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return order.Order{}, order.ErrNotFound
	}
	if err != nil {
		return order.Order{}, fmt.Errorf("scan order: %w", err)
	}
	o.PaymentMethod = order.PaymentMethod(method)
	o.Status = order.Status(status)
	o.PaymentStatus = order.PaymentStatus(paymentStatus)
	if len(address) > 0 {
		if err := json.Unmarshal(address, &o.ShippingAddress); err != nil {
			return order.Order{}, fmt.Errorf("decode address: %w", err)
		}
	}
	return o, nil
}

func scanSession(row pgx.Row) (order.Session, error) {
	var (
		s              order.Session
		method, status string
	)
	err := row.Scan(&s.Ref, &s.OrderID, &s.Amount, &s.CheckoutURL, &method, &s.PaymentType, &status, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return order.Session{}, order.ErrNotFound
	}
	if err != nil {
		return order.Session{}, fmt.Errorf("scan session: %w", err)
	}
	s.Method = order.PaymentMethod(method)
	s.Status = order.SessionStatus(status)
	return s, nil
}
