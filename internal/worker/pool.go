package worker

import (
	"context"
	"errors"
	"time"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/imrishuroy/orderpipeline/internal/metrics"
	"github.com/imrishuroy/orderpipeline/internal/orders"
	"github.com/imrishuroy/orderpipeline/internal/queue"
)

// Pool runs a fixed number of polling workers, the dead-letter consumer and
// the reconciler until its context is cancelled.
type Pool struct {
	queue        queue.Queue
	deadLetters  queue.DeadLetterQueue
	processor    *Processor
	reconciler   *Reconciler
	metrics      metrics.Recorder
	concurrency  int
	batchSize    int
	visibility   time.Duration
	pollInterval time.Duration
	clock        clockz.Clock
	logger       *zap.Logger
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithConcurrency sets the number of worker goroutines.
func WithConcurrency(n int) PoolOption { return func(p *Pool) { p.concurrency = n } }

// WithBatchSize sets how many messages a worker leases at once.
func WithBatchSize(n int) PoolOption { return func(p *Pool) { p.batchSize = n } }

// WithVisibilityTimeout sets the lease length for received messages.
func WithVisibilityTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.visibility = d }
}

// WithPollInterval sets how long an idle worker waits before polling again.
func WithPollInterval(d time.Duration) PoolOption { return func(p *Pool) { p.pollInterval = d } }

// WithDeadLetters enables the dead-letter consumer.
func WithDeadLetters(d queue.DeadLetterQueue) PoolOption {
	return func(p *Pool) { p.deadLetters = d }
}

// WithReconciler runs r alongside the workers.
func WithReconciler(r *Reconciler) PoolOption { return func(p *Pool) { p.reconciler = r } }

func WithMetrics(m metrics.Recorder) PoolOption { return func(p *Pool) { p.metrics = m } }

// WithPoolClock sets a custom clock for testing.
func WithPoolClock(c clockz.Clock) PoolOption { return func(p *Pool) { p.clock = c } }

// NewPool creates a worker pool.
func NewPool(q queue.Queue, processor *Processor, logger *zap.Logger, opts ...PoolOption) *Pool {
	p := &Pool{
		queue:        q,
		processor:    processor,
		metrics:      metrics.Nop{},
		concurrency:  4,
		batchSize:    10,
		visibility:   5 * time.Minute,
		pollInterval: time.Second,
		clock:        clockz.RealClock,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run blocks until ctx is cancelled or a loop fails.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool starting",
		zap.Int("concurrency", p.concurrency),
		zap.Int("batch_size", p.batchSize),
		zap.Duration("visibility_timeout", p.visibility))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.concurrency; i++ {
		worker := i
		g.Go(func() error { return p.loop(ctx, p.PollOnce, zap.Int("worker", worker)) })
	}
	if p.deadLetters != nil {
		g.Go(func() error { return p.loop(ctx, p.DrainDeadLetters, zap.String("loop", "dead-letters")) })
	}
	if p.reconciler != nil {
		g.Go(func() error { return p.reconciler.Run(ctx) })
	}

	err := g.Wait()
	p.logger.Info("worker pool stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// loop calls step until ctx is done, sleeping pollInterval whenever step
// found no work or failed.
func (p *Pool) loop(ctx context.Context, step func(context.Context) (int, error), field zap.Field) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := step(ctx)
		if err != nil && ctx.Err() == nil {
			p.logger.Error("poll failed", field, zap.Error(err))
		}
		if n > 0 && err == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-p.clock.After(p.pollInterval):
		}
	}
}

// PollOnce leases one batch, processes it and settles every message. It
// returns the number of messages received.
func (p *Pool) PollOnce(ctx context.Context) (int, error) {
	leasedAt := p.clock.Now()
	msgs, err := p.queue.Receive(ctx, p.batchSize, p.visibility)
	if err != nil {
		return 0, err
	}

	var completed, failed int
	for _, msg := range msgs {
		// an in-flight message is finished even during shutdown
		mctx := context.WithoutCancel(ctx)
		if !p.holdLease(mctx, msg, leasedAt) {
			continue
		}
		d := p.processor.Process(mctx, msg)
		p.settle(mctx, msg, d)
		switch d.Terminal {
		case orders.StatusCompleted:
			completed++
		case orders.StatusFailed:
			failed++
		}
	}
	p.record(ctx, completed, failed)
	return len(msgs), nil
}

// holdLease reports whether msg is still leased for a whole stage run,
// extending the lease when less than the stage timeout is left. A lease that
// already lapsed may belong to another consumer, so the message is skipped
// and left to its redelivery.
func (p *Pool) holdLease(ctx context.Context, msg queue.Message, leasedAt time.Time) bool {
	remaining := p.visibility - p.clock.Now().Sub(leasedAt)
	if remaining > p.processor.stageTimeout {
		return true
	}
	log := p.logger.With(zap.String("order_id", msg.OrderID), zap.Duration("remaining", remaining))
	if remaining <= 0 {
		log.Warn("lease lapsed before processing, skipping message")
		return false
	}
	if err := p.queue.ChangeVisibility(ctx, msg.ReceiptHandle, p.visibility, ""); err != nil {
		log.Warn("could not extend lease, skipping message", zap.Error(err))
		return false
	}
	return true
}

func (p *Pool) settle(ctx context.Context, msg queue.Message, d Disposition) {
	if d.Ack {
		if err := p.queue.Acknowledge(ctx, msg.ReceiptHandle); err != nil {
			p.logger.Error("acknowledge failed", zap.String("order_id", msg.OrderID), zap.Error(err))
		}
		return
	}
	if err := p.queue.ChangeVisibility(ctx, msg.ReceiptHandle, d.Delay, d.Reason); err != nil {
		// the lease still expires on its own
		p.logger.Error("release failed", zap.String("order_id", msg.OrderID), zap.Error(err))
	}
}

// DrainDeadLetters marks the orders of unsettled dead letters FAILED and
// settles each entry. Entries whose order could not be updated are left for
// the next pass.
func (p *Pool) DrainDeadLetters(ctx context.Context) (int, error) {
	if p.deadLetters == nil {
		return 0, nil
	}
	dls, err := p.deadLetters.ReceiveDeadLetters(ctx, p.batchSize)
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, dl := range dls {
		marked, err := p.processor.MarkDeadLetter(ctx, dl)
		if err != nil {
			p.logger.Error("dead letter not processed", zap.String("order_id", dl.OrderID), zap.Error(err))
			continue
		}
		if marked {
			failed++
		}
		if err := p.deadLetters.SettleDeadLetter(ctx, dl); err != nil {
			p.logger.Error("settle dead letter failed", zap.String("order_id", dl.OrderID), zap.Error(err))
		}
	}
	p.record(ctx, 0, failed)
	return len(dls), nil
}

func (p *Pool) record(ctx context.Context, completed, failed int) {
	if err := p.metrics.RecordBatch(ctx, completed, failed); err != nil {
		p.logger.Warn("failed to record metrics", zap.Error(err))
	}
}
