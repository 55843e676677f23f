package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/imrishuroy/orderpipeline/internal/chatbot"
	"github.com/imrishuroy/orderpipeline/internal/idempotency"
	"github.com/imrishuroy/orderpipeline/internal/ingest"
	"github.com/imrishuroy/orderpipeline/internal/orders"
	"github.com/imrishuroy/orderpipeline/internal/queue"
	"github.com/imrishuroy/orderpipeline/internal/tracker"
)

const orderBody = `{"customerId":"cust-1","items":[{"productId":"laptop","quantity":1,"unitPrice":1299.99}],"totalAmount":1299.99}`

func setup(t *testing.T) (*gin.Engine, *orders.MemoryStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := orders.NewMemoryStore()
	tr := tracker.New(store, zap.NewNop())
	svc := ingest.NewService(store, queue.NewMemoryQueue(3), tr, zap.NewNop(),
		ingest.WithIdempotency(idempotency.NewMemory(time.Hour)))
	return NewRouter(HandlerConfig{
		Ingest:  svc,
		Chatbot: chatbot.NewService(tr, nil, time.Second, zap.NewNop()),
		Logger:  zap.NewNop(),
	}), store
}

func do(r http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func TestHealth(t *testing.T) {
	r, _ := setup(t)
	w := do(r, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestCreateAndGetOrder(t *testing.T) {
	r, _ := setup(t)

	w := do(r, http.MethodPost, "/orders", orderBody, map[string]string{"Idempotency-Key": "k-1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	body := decode(t, w)
	orderID, _ := body["orderId"].(string)
	if orderID == "" || body["status"] != "PENDING" {
		t.Fatalf("unexpected body %v", body)
	}
	if w.Header().Get("Location") != "/orders/"+orderID {
		t.Fatalf("unexpected Location %q", w.Header().Get("Location"))
	}

	// same key replays the first order
	w = do(r, http.MethodPost, "/orders", orderBody, map[string]string{"Idempotency-Key": "k-1"})
	if w.Code != http.StatusOK || decode(t, w)["orderId"] != orderID {
		t.Fatalf("expected replay of %s, got %d %s", orderID, w.Code, w.Body.String())
	}

	w = do(r, http.MethodGet, "/orders/"+orderID, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	view := decode(t, w)
	if view["status"] != "PENDING" || view["customerId"] != "cust-1" {
		t.Fatalf("unexpected view %v", view)
	}

	w = do(r, http.MethodGet, "/orders/does-not-exist", "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestCreateOrder_BadRequests(t *testing.T) {
	r, _ := setup(t)
	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"customerId":`},
		{"missing items", `{"customerId":"c","totalAmount":10}`},
		{"total mismatch", `{"customerId":"c","items":[{"productId":"p","quantity":2,"unitPrice":5}],"totalAmount":11}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(r, http.MethodPost, "/orders", tt.body, nil)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestListCustomerOrders(t *testing.T) {
	r, store := setup(t)
	for _, id := range []string{"a", "b"} {
		_ = store.Create(context.Background(), orders.Order{OrderID: id, CustomerID: "cust-7", TotalAmount: 1})
	}

	w := do(r, http.MethodGet, "/customers/cust-7/orders", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if decode(t, w)["count"] != float64(2) {
		t.Fatalf("expected two orders, got %s", w.Body.String())
	}

	w = do(r, http.MethodGet, "/customers/cust-7/orders?limit=0", "", nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", w.Code)
	}
}

func TestChatbot(t *testing.T) {
	r, store := setup(t)
	_ = store.Create(context.Background(), orders.Order{OrderID: "o-1", CustomerID: "cust-1", TotalAmount: 1})

	w := do(r, http.MethodPost, "/chatbot", `{"query":"what are my orders?","customerId":"cust-1"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if resp, _ := decode(t, w)["response"].(string); resp == "" {
		t.Fatalf("empty chatbot response")
	}

	w = do(r, http.MethodPost, "/chatbot", `{"customerId":"cust-1"}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without query, got %d", w.Code)
	}
}
