package app

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/imrishuroy/orderpipeline/internal/config"
	"github.com/imrishuroy/orderpipeline/internal/ingest"
	"github.com/imrishuroy/orderpipeline/internal/orders"
	"github.com/imrishuroy/orderpipeline/internal/validation"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Backend:           config.BackendMemory,
		WorkerMode:        config.ModePoll,
		WorkerConcurrency: 2,
		BatchSize:         10,
		VisibilityTimeout: time.Minute,
		MaxReceiveCount:   3,
		StageTimeout:      time.Second,
		BackoffBase:       10 * time.Millisecond,
		BackoffCap:        100 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
		IdempotencyTTL:    time.Hour,
		ChatbotTimeout:    time.Second,
		NotifyRate:        100,
	}
}

func TestNew_MemoryBackendEndToEnd(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, memoryConfig(), zap.NewNop())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.Close()

	if !a.InProcessQueue || a.DeadLetters == nil {
		t.Fatalf("memory backend should use an in-process queue with dead letters")
	}

	sub, err := a.Ingest.SubmitOrder(ctx, validation.CreateOrderRequest{
		CustomerID:  "cust-1",
		Items:       []validation.Item{{ProductID: "p", Quantity: 3, UnitPrice: 2.5}},
		TotalAmount: 7.5,
	}, ingest.RequestMeta{IdempotencyKey: "k"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- a.Pool().Run(runCtx) }()

	deadline := time.Now().Add(5 * time.Second)
	var status orders.Status
	for time.Now().Before(deadline) {
		v, err := a.Ingest.QueryOrder(ctx, sub.OrderID)
		if err == nil && v.Status.Terminal() {
			status = v.Status
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("pool: %v", err)
	}
	if status != orders.StatusCompleted {
		t.Fatalf("expected COMPLETED, got %q", status)
	}
}

func TestNew_UnknownBackend(t *testing.T) {
	cfg := memoryConfig()
	cfg.Backend = "cassandra"
	if _, err := New(context.Background(), cfg, zap.NewNop()); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}
