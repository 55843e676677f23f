// Package ingest accepts new orders and hands them to the pipeline.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	"github.com/imrishuroy/orderpipeline/internal/idempotency"
	"github.com/imrishuroy/orderpipeline/internal/notify"
	"github.com/imrishuroy/orderpipeline/internal/orders"
	"github.com/imrishuroy/orderpipeline/internal/queue"
	"github.com/imrishuroy/orderpipeline/internal/tracker"
	"github.com/imrishuroy/orderpipeline/internal/validation"
)

// RequestMeta carries transport-level details of a submission.
type RequestMeta struct {
	IdempotencyKey string
	CorrelationID  string
}

// Submission is the result of SubmitOrder.
type Submission struct {
	OrderID string        `json:"orderId"`
	Status  orders.Status `json:"status"`
	// Replayed is set when the idempotency key matched an earlier request.
	Replayed bool `json:"-"`
	// InProgress is set for a replay whose first request has not finished.
	InProgress bool `json:"-"`
}

// Service is the ingestion entry point shared by the HTTP API and tooling.
type Service struct {
	store    orders.Repository
	queue    queue.Queue
	tracker  *tracker.Tracker
	keeper   idempotency.Keeper
	notifier notify.Notifier
	validate *validator.Validate
	newID    func() string
	clock    clockz.Clock
	logger   *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithIdempotency enables Idempotency-Key deduplication.
func WithIdempotency(k idempotency.Keeper) Option { return func(s *Service) { s.keeper = k } }

func WithNotifier(n notify.Notifier) Option { return func(s *Service) { s.notifier = n } }

// WithIDGenerator replaces uuid.NewString for order ids.
func WithIDGenerator(fn func() string) Option { return func(s *Service) { s.newID = fn } }

// NewService creates a Service.
func NewService(store orders.Repository, q queue.Queue, t *tracker.Tracker, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		store:    store,
		queue:    q,
		tracker:  t,
		validate: validation.New(),
		newID:    uuid.NewString,
		clock:    clockz.RealClock,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.notifier == nil {
		s.notifier = notify.NewLog(logger)
	}
	return s
}

// SubmitOrder validates req, persists it as a PENDING order and enqueues its
// first message. A repeated idempotency key returns the original order id.
func (s *Service) SubmitOrder(ctx context.Context, req validation.CreateOrderRequest, meta RequestMeta) (Submission, error) {
	if err := validation.Validate(s.validate, req); err != nil {
		return Submission{}, err
	}

	orderID := s.newID()
	log := s.logger.With(zap.String("order_id", orderID), zap.String("correlation_id", meta.CorrelationID))

	if meta.IdempotencyKey != "" && s.keeper != nil {
		res, err := s.keeper.Reserve(ctx, meta.IdempotencyKey, orderID)
		if err != nil {
			return Submission{}, fmt.Errorf("reserve idempotency key: %w", err)
		}
		if !res.Created {
			log.Info("idempotent replay", zap.String("existing_order_id", res.OrderID), zap.String("key_status", res.Status))
			return s.replay(ctx, res), nil
		}
	}

	order := orders.Order{
		OrderID:         orderID,
		CustomerID:      req.CustomerID,
		Items:           toItems(req.Items),
		TotalAmount:     req.TotalAmount,
		CustomerEmail:   req.CustomerEmail,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  req.BillingAddress,
		CreatedAt:       s.clock.Now().UTC(),
	}
	if err := s.store.Create(ctx, order); err != nil {
		s.markFailed(ctx, meta.IdempotencyKey, fmt.Sprintf("create_failed: %v", err))
		return Submission{}, fmt.Errorf("create order: %w", err)
	}

	msg := queue.NewMessage(orderID, orders.StatusPending, meta.CorrelationID)
	if err := s.queue.Enqueue(ctx, msg, 0); err != nil {
		// the order is durable; the reconciler re-enqueues it
		log.Error("failed to enqueue new order", zap.Error(err))
	}

	sub := Submission{OrderID: orderID, Status: orders.StatusPending}
	if meta.IdempotencyKey != "" && s.keeper != nil {
		body, _ := json.Marshal(sub)
		if err := s.keeper.MarkDone(ctx, meta.IdempotencyKey, string(body), http.StatusCreated); err != nil {
			log.Warn("failed to mark idempotency key done", zap.Error(err))
		}
	}

	order.Status = orders.StatusPending
	if err := s.notifier.Notify(ctx, notify.ForOrder(order, notify.EventCreated, s.clock.Now())); err != nil {
		log.Warn("notification failed", zap.Error(err))
	}

	log.Info("order submitted", zap.String("customer_id", req.CustomerID), zap.Float64("total_amount", req.TotalAmount))
	return sub, nil
}

func (s *Service) replay(ctx context.Context, res idempotency.Reservation) Submission {
	sub := Submission{OrderID: res.OrderID, Status: orders.StatusPending, Replayed: true}
	if res.Status == idempotency.StatusInProgress {
		sub.InProgress = true
	}
	if v, err := s.tracker.QueryStatus(ctx, res.OrderID); err == nil {
		sub.Status = v.Status
	}
	return sub
}

func (s *Service) markFailed(ctx context.Context, key, note string) {
	if key == "" || s.keeper == nil {
		return
	}
	if err := s.keeper.MarkFailed(ctx, key, note); err != nil {
		s.logger.Warn("failed to mark idempotency key failed", zap.String("key", key), zap.Error(err))
	}
}

// QueryOrder returns the current status view of an order.
func (s *Service) QueryOrder(ctx context.Context, orderID string) (tracker.View, error) {
	return s.tracker.QueryStatus(ctx, orderID)
}

// ListCustomerOrders returns a customer's most recent orders.
func (s *Service) ListCustomerOrders(ctx context.Context, customerID string, limit int) ([]tracker.View, error) {
	return s.tracker.ListRecentOrders(ctx, customerID, limit)
}

func toItems(in []validation.Item) []orders.Item {
	out := make([]orders.Item, len(in))
	for i, it := range in {
		out[i] = orders.Item{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: it.UnitPrice}
	}
	return out
}
