// Package tracker answers read-only status queries for orders.
package tracker

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/imrishuroy/orderpipeline/internal/orders"
)

// MaxCacheTTL bounds how stale a cached view may be.
const MaxCacheTTL = 2 * time.Second

// DefaultRecentLimit is used when ListRecentOrders gets a non-positive limit.
const DefaultRecentLimit = 5

// View is the customer-facing projection of an order.
type View struct {
	OrderID     string                `json:"orderId"`
	CustomerID  string                `json:"customerId"`
	Status      orders.Status         `json:"status"`
	Version     int64                 `json:"version"`
	Items       []orders.Item         `json:"items"`
	TotalAmount float64               `json:"totalAmount"`
	History     []orders.HistoryEntry `json:"history"`
	ErrorDetail string                `json:"errorDetail,omitempty"`
	CreatedAt   time.Time             `json:"createdAt"`
	UpdatedAt   time.Time             `json:"updatedAt"`
}

// NewView projects an order record.
func NewView(o orders.Order) View {
	cp := o.Clone()
	return View{
		OrderID:     cp.OrderID,
		CustomerID:  cp.CustomerID,
		Status:      cp.Status,
		Version:     cp.Version,
		Items:       cp.Items,
		TotalAmount: cp.TotalAmount,
		History:     cp.History,
		ErrorDetail: cp.ErrorDetail,
		CreatedAt:   cp.CreatedAt,
		UpdatedAt:   cp.UpdatedAt,
	}
}

// Terminal reports whether the order has finished.
func (v View) Terminal() bool { return v.Status.Terminal() }

// Tracker reads order state from the store, optionally through a short-lived
// cache.
type Tracker struct {
	store  orders.Repository
	cache  *expirable.LRU[string, View]
	logger *zap.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithCache enables a cache of size entries. ttl is capped at MaxCacheTTL and
// a non-positive ttl leaves caching off.
func WithCache(size int, ttl time.Duration) Option {
	return func(t *Tracker) {
		if ttl <= 0 || size <= 0 {
			t.cache = nil
			return
		}
		if ttl > MaxCacheTTL {
			ttl = MaxCacheTTL
		}
		t.cache = expirable.NewLRU[string, View](size, nil, ttl)
	}
}

// New creates a Tracker.
func New(store orders.Repository, logger *zap.Logger, opts ...Option) *Tracker {
	t := &Tracker{store: store, logger: logger}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// QueryStatus returns the current view of an order, or orders.ErrNotFound.
func (t *Tracker) QueryStatus(ctx context.Context, orderID string) (View, error) {
	if t.cache != nil {
		if v, ok := t.cache.Get(orderID); ok {
			return v, nil
		}
	}
	o, err := t.store.Get(ctx, orderID)
	if err != nil {
		return View{}, fmt.Errorf("query order %s: %w", orderID, err)
	}
	v := NewView(*o)
	if t.cache != nil {
		t.cache.Add(orderID, v)
	}
	return v, nil
}

// ListRecentOrders returns up to limit orders for a customer, newest first.
func (t *Tracker) ListRecentOrders(ctx context.Context, customerID string, limit int) ([]View, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	list, err := t.store.ListByCustomer(ctx, customerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list orders for customer %s: %w", customerID, err)
	}
	views := make([]View, 0, len(list))
	for _, o := range list {
		views = append(views, NewView(o))
	}
	t.logger.Debug("listed customer orders", zap.String("customer_id", customerID), zap.Int("count", len(views)))
	return views, nil
}

// Forget drops a cached view, e.g. right after a write by the same process.
func (t *Tracker) Forget(orderID string) {
	if t.cache != nil {
		t.cache.Remove(orderID)
	}
}
