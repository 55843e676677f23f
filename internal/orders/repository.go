package orders

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no order exists for the id.
	ErrNotFound = errors.New("order not found")
	// ErrAlreadyExists is returned by Create for a duplicate order id.
	ErrAlreadyExists = errors.New("order already exists")
	// ErrVersionConflict means the caller's expected version is stale.
	// Under concurrent delivery this is expected and benign.
	ErrVersionConflict = errors.New("order version conflict")
	// ErrInvalidTransition means the requested status does not follow the
	// current one in the pipeline.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Repository is the contract every order backend satisfies. It is the only
// component allowed to mutate an order.
type Repository interface {
	// Create persists a new order at version 0 with status PENDING.
	Create(ctx context.Context, order Order) error
	// Get returns the full record or ErrNotFound.
	Get(ctx context.Context, orderID string) (*Order, error)
	// UpdateStatus is a compare-and-swap on version. It returns the new
	// version on success.
	UpdateStatus(ctx context.Context, orderID string, expectedVersion int64, newStatus Status, detail string) (int64, error)
	// ListByCustomer returns up to limit orders for a customer, newest first.
	ListByCustomer(ctx context.Context, customerID string, limit int) ([]Order, error)
	// ListStale returns up to limit non-terminal orders last updated before cutoff.
	ListStale(ctx context.Context, cutoff time.Time, limit int) ([]Order, error)
}

// checkTransition validates a CAS request against the current record.
func checkTransition(current *Order, expectedVersion int64, newStatus Status) error {
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}
	if !CanTransition(current.Status, newStatus) {
		return ErrInvalidTransition
	}
	return nil
}
