package stages

import (
	"context"
	"errors"
	"testing"

	"github.com/imrishuroy/orderpipeline/internal/orders"
	"github.com/imrishuroy/orderpipeline/internal/pipeline"
)

func validOrder() orders.Order {
	return orders.Order{
		OrderID:     "o-1",
		CustomerID:  "c-1",
		Items:       []orders.Item{{ProductID: "laptop", Quantity: 1, UnitPrice: 1299.99}},
		TotalAmount: 1299.99,
	}
}

func run(t *testing.T, opts Options, status orders.Status, o orders.Order) pipeline.Outcome {
	t.Helper()
	r, err := DefaultRegistry(opts)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	s, ok := r.Lookup(status)
	if !ok {
		t.Fatalf("no stage for %s", status)
	}
	o.Status = status
	return s.Handler(context.Background(), o)
}

func TestDefaultRegistry_AllAccept(t *testing.T) {
	r, err := DefaultRegistry(Options{})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	for _, s := range r.Stages() {
		o := validOrder()
		o.Status = s.Status
		if out := s.Handler(context.Background(), o); out.Kind != pipeline.KindAdvance {
			t.Fatalf("%s: expected advance, got %+v", s.Status, out)
		}
	}
}

func TestValidate_RejectsBadPayload(t *testing.T) {
	o := validOrder()
	o.TotalAmount = 0
	out := run(t, Options{}, orders.StatusValidating, o)
	if out.Kind != pipeline.KindFail || out.Detail != "invalid order: TotalAmount" {
		t.Fatalf("unexpected outcome %+v", out)
	}

	o = validOrder()
	o.CustomerID = ""
	if out := run(t, Options{}, orders.StatusValidating, o); out.Kind != pipeline.KindFail {
		t.Fatalf("missing customer should fail, got %+v", out)
	}
}

func TestPaymentSlot_MapsErrors(t *testing.T) {
	declined := Options{Payment: PaymentFunc(func(context.Context, orders.Order) error {
		return pipeline.PermanentError("card_declined")
	})}
	if out := run(t, declined, orders.StatusPaymentProcessing, validOrder()); out.Kind != pipeline.KindFail || out.Detail != "card_declined" {
		t.Fatalf("expected fail card_declined, got %+v", out)
	}

	flaky := Options{Payment: PaymentFunc(func(context.Context, orders.Order) error {
		return errors.New("gateway timeout")
	})}
	if out := run(t, flaky, orders.StatusPaymentProcessing, validOrder()); out.Kind != pipeline.KindRetry || out.Detail != "gateway timeout" {
		t.Fatalf("expected retry, got %+v", out)
	}
}
