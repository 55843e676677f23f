package worker

import (
	"context"
	"time"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	"github.com/imrishuroy/orderpipeline/internal/orders"
	"github.com/imrishuroy/orderpipeline/internal/queue"
)

// Reconciler re-enqueues orders that stopped moving: non-terminal orders not
// updated for a while have lost their message, usually because a follow-up
// enqueue failed after the status commit. Extra messages are harmless since
// stale or duplicate deliveries are dropped by the Processor.
type Reconciler struct {
	store    orders.Repository
	queue    queue.Queue
	after    time.Duration
	interval time.Duration
	limit    int
	clock    clockz.Clock
	logger   *zap.Logger
}

// NewReconciler creates a Reconciler for orders idle longer than after.
func NewReconciler(store orders.Repository, q queue.Queue, after time.Duration, logger *zap.Logger) *Reconciler {
	interval := after / 2
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reconciler{
		store:    store,
		queue:    q,
		after:    after,
		interval: interval,
		limit:    100,
		clock:    clockz.RealClock,
		logger:   logger,
	}
}

// WithClock sets a custom clock for testing.
func (r *Reconciler) WithClock(c clockz.Clock) *Reconciler {
	r.clock = c
	return r
}

// Run reconciles every interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.clock.After(r.interval):
		}
		if _, err := r.ReconcileOnce(ctx); err != nil && ctx.Err() == nil {
			r.logger.Error("reconcile failed", zap.Error(err))
		}
	}
}

// ReconcileOnce enqueues one message per stale order and returns how many
// were enqueued.
func (r *Reconciler) ReconcileOnce(ctx context.Context) (int, error) {
	cutoff := r.clock.Now().UTC().Add(-r.after)
	stale, err := r.store.ListStale(ctx, cutoff, r.limit)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, o := range stale {
		msg := queue.NewMessage(o.OrderID, o.Status, "reconcile")
		if err := r.queue.Enqueue(ctx, msg, 0); err != nil {
			r.logger.Error("re-enqueue failed", zap.String("order_id", o.OrderID), zap.Error(err))
			continue
		}
		r.logger.Info("re-enqueued stale order",
			zap.String("order_id", o.OrderID),
			zap.String("status", o.Status.String()),
			zap.Time("updated_at", o.UpdatedAt))
		n++
	}
	return n, nil
}
