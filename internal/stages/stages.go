// Package stages provides the default handlers wired into the pipeline.
// Inventory, payment and fulfillment are slots: the defaults accept, and
// real integrations are plugged in through the Checker interfaces.
package stages

import (
	"context"
	"errors"
	"fmt"

	validatorv10 "github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/imrishuroy/orderpipeline/internal/orders"
	"github.com/imrishuroy/orderpipeline/internal/pipeline"
	"github.com/imrishuroy/orderpipeline/internal/validation"
)

// InventoryChecker reserves stock for an order.
type InventoryChecker interface {
	CheckInventory(ctx context.Context, order orders.Order) error
}

// PaymentAuthorizer charges the customer for an order.
type PaymentAuthorizer interface {
	AuthorizePayment(ctx context.Context, order orders.Order) error
}

// Fulfiller hands the order over for shipping.
type Fulfiller interface {
	Fulfill(ctx context.Context, order orders.Order) error
}

// The Func adapters let plain functions act as checkers.
type (
	InventoryFunc   func(ctx context.Context, order orders.Order) error
	PaymentFunc     func(ctx context.Context, order orders.Order) error
	FulfillmentFunc func(ctx context.Context, order orders.Order) error
)

func (f InventoryFunc) CheckInventory(ctx context.Context, o orders.Order) error { return f(ctx, o) }
func (f PaymentFunc) AuthorizePayment(ctx context.Context, o orders.Order) error { return f(ctx, o) }
func (f FulfillmentFunc) Fulfill(ctx context.Context, o orders.Order) error { return f(ctx, o) }

func acceptAll(context.Context, orders.Order) error { return nil }

// Options configures DefaultRegistry. Nil checkers accept every order.
type Options struct {
	Validator *validatorv10.Validate
	Inventory InventoryChecker
	Payment   PaymentAuthorizer
	Fulfiller Fulfiller
	Logger    *zap.Logger
}

// DefaultRegistry wires the standard handler for every non-terminal status.
func DefaultRegistry(opts Options) (*pipeline.Registry, error) {
	if opts.Validator == nil {
		opts.Validator = validation.New()
	}
	if opts.Inventory == nil {
		opts.Inventory = InventoryFunc(acceptAll)
	}
	if opts.Payment == nil {
		opts.Payment = PaymentFunc(acceptAll)
	}
	if opts.Fulfiller == nil {
		opts.Fulfiller = FulfillmentFunc(acceptAll)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return pipeline.NewRegistry(
		pipeline.Stage{Status: orders.StatusPending, Handler: Accept},
		pipeline.Stage{Status: orders.StatusValidating, Handler: Validate(opts.Validator)},
		pipeline.Stage{Status: orders.StatusInventoryCheck, Handler: check(opts.Logger, "inventory reserved", opts.Inventory.CheckInventory)},
		pipeline.Stage{Status: orders.StatusPaymentProcessing, Handler: check(opts.Logger, "payment authorized", opts.Payment.AuthorizePayment)},
		pipeline.Stage{Status: orders.StatusFulfillment, Handler: check(opts.Logger, "order fulfilled", opts.Fulfiller.Fulfill)},
	)
}

// Accept moves a freshly ingested order into validation.
func Accept(_ context.Context, _ orders.Order) pipeline.Outcome {
	return pipeline.Advance("order accepted")
}

// Validate re-checks the stored payload: customer present, at least one
// item, positive total, and totals consistent with the items.
func Validate(v *validatorv10.Validate) pipeline.Handler {
	return func(_ context.Context, o orders.Order) pipeline.Outcome {
		if err := validation.Validate(v, RequestFromOrder(o)); err != nil {
			return pipeline.Fail(invalidReason(err))
		}
		return pipeline.Advance("order validated")
	}
}

func check(logger *zap.Logger, detail string, fn func(context.Context, orders.Order) error) pipeline.Handler {
	return func(ctx context.Context, o orders.Order) pipeline.Outcome {
		err := fn(ctx, o)
		if err != nil && !errors.Is(err, pipeline.ErrPermanent) {
			logger.Warn("stage check failed, will retry",
				zap.String("order_id", o.OrderID),
				zap.String("status", o.Status.String()),
				zap.Error(err))
		}
		return pipeline.FromError(err, detail)
	}
}

// RequestFromOrder rebuilds the ingress payload from a stored order.
func RequestFromOrder(o orders.Order) validation.CreateOrderRequest {
	items := make([]validation.Item, len(o.Items))
	for i, it := range o.Items {
		items[i] = validation.Item{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: it.UnitPrice}
	}
	return validation.CreateOrderRequest{
		CustomerID:      o.CustomerID,
		Items:           items,
		TotalAmount:     o.TotalAmount,
		CustomerEmail:   o.CustomerEmail,
		ShippingAddress: o.ShippingAddress,
		BillingAddress:  o.BillingAddress,
	}
}

func invalidReason(err error) string {
	fields := validation.Fields(err)
	for _, key := range []string{
		"CreateOrderRequest.CustomerID",
		"CreateOrderRequest.Items",
		"CreateOrderRequest.TotalAmount",
	} {
		if _, ok := fields[key]; ok {
			return fmt.Sprintf("invalid order: %s", key[len("CreateOrderRequest."):])
		}
	}
	return "invalid order"
}
