package order

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a mutex-guarded Store used in development and tests.
type MemoryStore struct {
	mu       sync.Mutex
	now      func() time.Time
	products map[string]Product
	orders   map[string]Order
	sessions map[string]Session
	byOrder  map[string][]string
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:      time.Now,
		products: map[string]Product{},
		orders:   map[string]Order{},
		sessions: map[string]Session{},
		byOrder:  map[string][]string{},
	}
}

// PutProduct upserts a catalog entry.
func (m *MemoryStore) PutProduct(p Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ID] = p
}

// Product returns a catalog entry by id.
func (m *MemoryStore) Product(id string) (Product, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	return p, ok
}

func (m *MemoryStore) Products(_ context.Context, ids []string) (map[string]Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Product, len(ids))
	for _, id := range ids {
		if p, ok := m.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateOrder(_ context.Context, o Order) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := map[string]int{}
	for _, it := range o.Items {
		want[it.ProductID] += it.Quantity
	}
	for _, it := range o.Items {
		p, ok := m.products[it.ProductID]
		if !ok {
			return Order{}, &OutOfStockError{ProductID: it.ProductID, Requested: want[it.ProductID]}
		}
		if p.Stock < want[it.ProductID] {
			return Order{}, &OutOfStockError{ProductID: it.ProductID, Requested: want[it.ProductID], Available: p.Stock}
		}
	}
	for id, qty := range want {
		p := m.products[id]
		p.Stock -= qty
		m.products[id] = p
	}

	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	now := m.now()
	o.CreatedAt = now
	o.UpdatedAt = now
	o.Items = append([]Item(nil), o.Items...)
	m.orders[o.ID] = o
	return o, nil
}

func (m *MemoryStore) GetOrder(_ context.Context, id string) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	return o, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, id string, from, to Status) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	if o.Status != from {
		return Order{}, ErrInvalidTransition
	}
	o.Status = to
	o.UpdatedAt = m.now()
	m.orders[id] = o
	return o, nil
}

func (m *MemoryStore) UpdatePaymentStatus(_ context.Context, id string, from, to PaymentStatus) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	if o.PaymentStatus != from {
		return Order{}, ErrInvalidTransition
	}
	o.PaymentStatus = to
	o.UpdatedAt = m.now()
	m.orders[id] = o
	return o, nil
}

func (m *MemoryStore) CancelOrder(_ context.Context, id string, from Status) (Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return Order{}, ErrNotFound
	}
	if o.Status != from {
		return Order{}, ErrInvalidTransition
	}
	for _, ref := range m.byOrder[id] {
		if m.sessions[ref].Status == SessionPending {
			return Order{}, ErrPaymentInFlight
		}
	}
	for _, it := range o.Items {
		if p, ok := m.products[it.ProductID]; ok {
			p.Stock += it.Quantity
			m.products[it.ProductID] = p
		}
	}
	o.Status = StatusCancelled
	o.UpdatedAt = m.now()
	m.orders[id] = o
	return o, nil
}

func (m *MemoryStore) CreateSession(_ context.Context, s Session) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[s.OrderID]
	if !ok {
		return Session{}, ErrNotFound
	}
	if o.Status == StatusCancelled {
		return Session{}, ErrInvalidTransition
	}
	now := m.now()
	if s.Status == "" {
		s.Status = SessionPending
	}
	s.CreatedAt = now
	s.UpdatedAt = now
	m.sessions[s.Ref] = s
	m.byOrder[s.OrderID] = append(m.byOrder[s.OrderID], s.Ref)
	if o.PaymentStatus == PaymentFailed {
		o.PaymentStatus = PaymentPending
		o.UpdatedAt = now
		m.orders[o.ID] = o
	}
	return s, nil
}

func (m *MemoryStore) GetSession(_ context.Context, ref string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[ref]
	if !ok {
		return Session{}, ErrNotFound
	}
	return s, nil
}

func (m *MemoryStore) LatestSession(_ context.Context, orderID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	refs := m.byOrder[orderID]
	if len(refs) == 0 {
		return Session{}, ErrNotFound
	}
	return m.sessions[refs[len(refs)-1]], nil
}

func (m *MemoryStore) CompareAndSetSessionStatus(_ context.Context, ref string, expected, next SessionStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[ref]
	if !ok {
		return false, ErrNotFound
	}
	if s.Status != expected {
		return false, nil
	}
	now := m.now()
	s.Status = next
	s.UpdatedAt = now
	m.sessions[ref] = s

	o, ok := m.orders[s.OrderID]
	if !ok {
		return true, nil
	}
	switch outcome := PaymentStatusFor(next); outcome {
	case PaymentPaid:
		o.PaymentStatus = outcome
		if o.Status == StatusPending {
			o.Status = StatusProcessing
		}
	case PaymentFailed:
		refs := m.byOrder[s.OrderID]
		latest := len(refs) > 0 && refs[len(refs)-1] == ref
		if latest && o.PaymentStatus == PaymentPending {
			o.PaymentStatus = outcome
		}
	}
	o.UpdatedAt = now
	m.orders[o.ID] = o
	return true, nil
}
