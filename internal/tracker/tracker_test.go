package tracker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/imrishuroy/orderpipeline/internal/orders"
)

func seed(t *testing.T, store *orders.MemoryStore, id, customer string) {
	t.Helper()
	err := store.Create(context.Background(), orders.Order{
		OrderID:     id,
		CustomerID:  customer,
		Items:       []orders.Item{{ProductID: "p", Quantity: 1, UnitPrice: 10}},
		TotalAmount: 10,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
}

func TestQueryStatus(t *testing.T) {
	store := orders.NewMemoryStore()
	seed(t, store, "o-1", "c-1")
	if _, err := store.UpdateStatus(context.Background(), "o-1", 0, orders.StatusValidating, "order accepted"); err != nil {
		t.Fatal(err)
	}

	tr := New(store, zap.NewNop())
	v, err := tr.QueryStatus(context.Background(), "o-1")
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if v.Status != orders.StatusValidating || v.Version != 1 || len(v.History) != 1 {
		t.Fatalf("unexpected view %+v", v)
	}
	if v.Terminal() {
		t.Fatalf("VALIDATING is not terminal")
	}

	_, err = tr.QueryStatus(context.Background(), "missing")
	if !errors.Is(err, orders.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestQueryStatus_CacheServesUntilForgotten(t *testing.T) {
	store := orders.NewMemoryStore()
	seed(t, store, "o-1", "c-1")
	tr := New(store, zap.NewNop(), WithCache(16, time.Minute))

	if _, err := tr.QueryStatus(context.Background(), "o-1"); err != nil {
		t.Fatal(err)
	}
	_, _ = store.UpdateStatus(context.Background(), "o-1", 0, orders.StatusValidating, "")

	v, _ := tr.QueryStatus(context.Background(), "o-1")
	if v.Status != orders.StatusPending {
		t.Fatalf("expected cached PENDING view, got %s", v.Status)
	}

	tr.Forget("o-1")
	v, _ = tr.QueryStatus(context.Background(), "o-1")
	if v.Status != orders.StatusValidating {
		t.Fatalf("expected fresh view after Forget, got %s", v.Status)
	}
}

func TestQueryStatus_NoCacheReadsThrough(t *testing.T) {
	store := orders.NewMemoryStore()
	seed(t, store, "o-1", "c-1")
	tr := New(store, zap.NewNop(), WithCache(16, 0))

	_, _ = tr.QueryStatus(context.Background(), "o-1")
	_, _ = store.UpdateStatus(context.Background(), "o-1", 0, orders.StatusFailed, "card_declined")

	v, _ := tr.QueryStatus(context.Background(), "o-1")
	if v.Status != orders.StatusFailed || v.ErrorDetail != "card_declined" {
		t.Fatalf("expected read-through FAILED view, got %+v", v)
	}
}

func TestListRecentOrders(t *testing.T) {
	store := orders.NewMemoryStore()
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		seed(t, store, id, "c-1")
	}
	seed(t, store, "other", "c-2")

	tr := New(store, zap.NewNop())
	views, err := tr.ListRecentOrders(context.Background(), "c-1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(views) != DefaultRecentLimit {
		t.Fatalf("expected %d views, got %d", DefaultRecentLimit, len(views))
	}
	for _, v := range views {
		if v.CustomerID != "c-1" {
			t.Fatalf("foreign order in list: %+v", v)
		}
	}

	views, _ = tr.ListRecentOrders(context.Background(), "nobody", 3)
	if len(views) != 0 {
		t.Fatalf("expected empty list, got %d", len(views))
	}
}
