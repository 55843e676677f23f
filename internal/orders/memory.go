package orders

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

// MemoryStore is an in-process Repository used for local runs and tests.
// All operations are serialised by a single lock, which makes UpdateStatus
// a true compare-and-swap.
type MemoryStore struct {
	mu     sync.RWMutex
	orders map[string]*Order
	clock  clockz.Clock
}

var _ Repository = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]*Order),
		clock:  clockz.RealClock,
	}
}

// WithClock sets a custom clock for testing.
func (m *MemoryStore) WithClock(clock clockz.Clock) *MemoryStore {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clock = clock
	return m
}

func (m *MemoryStore) Create(_ context.Context, order Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.orders[order.OrderID]; exists {
		return ErrAlreadyExists
	}
	o := prepareNew(order, m.clock.Now().UTC())
	m.orders[o.OrderID] = &o
	return nil
}

func (m *MemoryStore) Get(_ context.Context, orderID string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[orderID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := o.Clone()
	return &cp, nil
}

func (m *MemoryStore) UpdateStatus(_ context.Context, orderID string, expectedVersion int64, newStatus Status, detail string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return 0, ErrNotFound
	}
	if err := checkTransition(o, expectedVersion, newStatus); err != nil {
		return 0, err
	}
	applyTransition(o, newStatus, detail, m.clock.Now().UTC())
	return o.Version, nil
}

func (m *MemoryStore) ListByCustomer(_ context.Context, customerID string, limit int) ([]Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Order
	for _, o := range m.orders {
		if o.CustomerID == customerID {
			out = append(out, o.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListStale(_ context.Context, cutoff time.Time, limit int) ([]Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Order
	for _, o := range m.orders {
		if o.Status.Terminal() || !o.UpdatedAt.Before(cutoff) {
			continue
		}
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
