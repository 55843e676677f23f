// Package worker drives orders through the stage pipeline: it leases queue
// messages, runs the handler for the order's current status and commits the
// outcome through the order store's compare-and-swap.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/imrishuroy/orderpipeline/internal/backoff"
	"github.com/imrishuroy/orderpipeline/internal/notify"
	"github.com/imrishuroy/orderpipeline/internal/orders"
	"github.com/imrishuroy/orderpipeline/internal/pipeline"
	"github.com/imrishuroy/orderpipeline/internal/queue"
)

const tracerName = "github.com/imrishuroy/orderpipeline/internal/worker"

// maxDeadLetterAttempts bounds the CAS retries when marking a dead-lettered
// order FAILED.
const maxDeadLetterAttempts = 5

// Disposition tells the caller what to do with the leased message.
type Disposition struct {
	// Ack deletes the message. Otherwise it is released after Delay.
	Ack    bool
	Delay  time.Duration
	Reason string
	// Terminal is the terminal status committed by this attempt, if any.
	Terminal orders.Status
}

func ack() Disposition { return Disposition{Ack: true} }

// Processor executes one message against the order store.
type Processor struct {
	store        orders.Repository
	queue        queue.Queue
	registry     *pipeline.Registry
	backoff      backoff.Policy
	stageTimeout time.Duration
	notifier     notify.Notifier
	clock        clockz.Clock
	tracer       trace.Tracer
	logger       *zap.Logger
}

// Option configures a Processor.
type Option func(*Processor)

func WithBackoff(p backoff.Policy) Option { return func(pr *Processor) { pr.backoff = p } }

// WithStageTimeout bounds each handler call. It must stay below the queue
// visibility timeout.
func WithStageTimeout(d time.Duration) Option {
	return func(pr *Processor) { pr.stageTimeout = d }
}

func WithNotifier(n notify.Notifier) Option { return func(pr *Processor) { pr.notifier = n } }

// WithClock sets a custom clock for testing.
func WithClock(c clockz.Clock) Option { return func(pr *Processor) { pr.clock = c } }

func WithTracer(t trace.Tracer) Option { return func(pr *Processor) { pr.tracer = t } }

// NewProcessor creates a Processor. q receives follow-up messages after each
// committed advance.
func NewProcessor(store orders.Repository, q queue.Queue, registry *pipeline.Registry, logger *zap.Logger, opts ...Option) *Processor {
	p := &Processor{
		store:        store,
		queue:        q,
		registry:     registry,
		backoff:      backoff.New(2*time.Second, 5*time.Minute),
		stageTimeout: 30 * time.Second,
		clock:        clockz.RealClock,
		tracer:       otel.Tracer(tracerName),
		logger:       logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.notifier == nil {
		p.notifier = notify.NewLog(logger)
	}
	return p
}

// Process handles one delivery of msg and reports how to settle it.
func (p *Processor) Process(ctx context.Context, msg queue.Message) Disposition {
	log := p.logger.With(
		zap.String("order_id", msg.OrderID),
		zap.Int("receive_count", msg.ReceiveCount),
		zap.String("correlation_id", msg.CorrelationID),
	)

	order, err := p.store.Get(ctx, msg.OrderID)
	if errors.Is(err, orders.ErrNotFound) {
		log.Warn("order not found, dropping message")
		return ack()
	}
	if err != nil {
		log.Error("failed to load order", zap.Error(err))
		return p.release(msg, "store unavailable")
	}

	if order.Status.Terminal() {
		log.Info("order already terminal, dropping duplicate", zap.String("status", order.Status.String()))
		return ack()
	}
	if msg.Stage != "" && msg.Stage != order.Status {
		log.Info("stale message for earlier stage, dropping",
			zap.String("stage", msg.Stage.String()),
			zap.String("status", order.Status.String()))
		return ack()
	}

	stage, ok := p.registry.Lookup(order.Status)
	if !ok {
		log.Error("no stage registered", zap.String("status", order.Status.String()))
		return p.release(msg, "no stage registered for "+order.Status.String())
	}

	out := p.execute(ctx, stage, *order)
	log = log.With(zap.String("status", order.Status.String()), zap.Stringer("outcome", out.Kind))

	switch out.Kind {
	case pipeline.KindAdvance:
		return p.advance(ctx, log, msg, order, stage, out.Detail)
	case pipeline.KindFail:
		return p.fail(ctx, log, msg, order, out.Detail)
	default:
		log.Info("stage asked for retry", zap.String("reason", out.Detail))
		return p.release(msg, out.Detail)
	}
}

func (p *Processor) advance(ctx context.Context, log *zap.Logger, msg queue.Message, order *orders.Order, stage pipeline.Stage, detail string) Disposition {
	_, err := p.store.UpdateStatus(ctx, order.OrderID, order.Version, stage.Next, detail)
	switch {
	case errors.Is(err, orders.ErrVersionConflict):
		log.Info("lost status race, another worker committed first")
		return ack()
	case errors.Is(err, orders.ErrNotFound), errors.Is(err, orders.ErrInvalidTransition):
		log.Error("cannot advance order", zap.Error(err))
		return ack()
	case err != nil:
		log.Error("failed to commit status", zap.Error(err))
		return p.release(msg, "store unavailable")
	}

	log.Info("order advanced", zap.String("next", stage.Next.String()))

	if stage.Next.Terminal() {
		p.notify(ctx, order, stage.Next, "")
		return Disposition{Ack: true, Terminal: stage.Next}
	}

	// the follow-up must exist before this message goes away; if it can't be
	// sent the reconciler re-enqueues the order later
	next := queue.NewMessage(order.OrderID, stage.Next, msg.CorrelationID)
	if err := p.queue.Enqueue(ctx, next, 0); err != nil {
		log.Error("failed to enqueue follow-up", zap.Error(err))
		return p.release(msg, "enqueue follow-up failed")
	}
	return ack()
}

func (p *Processor) fail(ctx context.Context, log *zap.Logger, msg queue.Message, order *orders.Order, reason string) Disposition {
	_, err := p.store.UpdateStatus(ctx, order.OrderID, order.Version, orders.StatusFailed, reason)
	switch {
	case err == nil:
		log.Warn("order failed", zap.String("reason", reason))
		p.notify(ctx, order, orders.StatusFailed, reason)
		return Disposition{Ack: true, Terminal: orders.StatusFailed}
	case errors.Is(err, orders.ErrVersionConflict), errors.Is(err, orders.ErrNotFound), errors.Is(err, orders.ErrInvalidTransition):
		log.Info("order moved on before failure was recorded", zap.Error(err))
		return ack()
	default:
		log.Error("failed to record failure", zap.Error(err))
		return p.release(msg, "store unavailable")
	}
}

// MarkDeadLetter moves the dead-lettered order to FAILED with the
// delivery-exhausted reason. It reports whether this call committed it.
func (p *Processor) MarkDeadLetter(ctx context.Context, dl queue.DeadLetter) (bool, error) {
	log := p.logger.With(
		zap.String("order_id", dl.OrderID),
		zap.Int("receive_count", dl.ReceiveCount),
		zap.String("last_error", dl.LastError),
	)
	for attempt := 0; attempt < maxDeadLetterAttempts; attempt++ {
		order, err := p.store.Get(ctx, dl.OrderID)
		if errors.Is(err, orders.ErrNotFound) {
			log.Warn("dead letter for unknown order")
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("load order %s: %w", dl.OrderID, err)
		}
		if order.Status.Terminal() {
			return false, nil
		}
		if dl.Stage != "" && dl.Stage != order.Status {
			log.Info("dead letter for a stage the order already left, not failing it",
				zap.String("stage", dl.Stage.String()),
				zap.String("status", order.Status.String()))
			return false, nil
		}

		_, err = p.store.UpdateStatus(ctx, order.OrderID, order.Version, orders.StatusFailed, queue.ReasonDeliveryExhausted)
		if errors.Is(err, orders.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("mark order %s failed: %w", dl.OrderID, err)
		}
		log.Warn("order failed after delivery exhausted", zap.String("status", order.Status.String()))
		p.notify(ctx, order, orders.StatusFailed, queue.ReasonDeliveryExhausted)
		return true, nil
	}
	return false, fmt.Errorf("mark order %s failed: %w", dl.OrderID, orders.ErrVersionConflict)
}

// execute runs the handler under the stage timeout. Panics and timeouts
// become retries; an abandoned handler keeps running until it observes ctx.
func (p *Processor) execute(ctx context.Context, stage pipeline.Stage, order orders.Order) (out pipeline.Outcome) {
	ctx, span := p.tracer.Start(ctx, "stage "+strings.ToLower(stage.Status.String()),
		trace.WithAttributes(
			attribute.String("order.id", order.OrderID),
			attribute.String("order.status", stage.Status.String()),
			attribute.Int64("order.version", order.Version),
		))
	defer func() {
		span.SetAttributes(attribute.String("stage.outcome", out.Kind.String()))
		if out.Kind != pipeline.KindAdvance {
			span.SetStatus(codes.Error, out.Detail)
		}
		span.End()
	}()

	stageCtx, cancel := p.clock.WithTimeout(ctx, p.stageTimeout)
	defer cancel()

	done := make(chan pipeline.Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				span.RecordError(fmt.Errorf("panic: %v", r))
				done <- pipeline.Retry(fmt.Sprintf("stage handler panic: %v", r))
			}
		}()
		done <- stage.Handler(stageCtx, order)
	}()

	select {
	case out = <-done:
	case <-stageCtx.Done():
		if ctx.Err() != nil {
			return pipeline.Retry("stage cancelled")
		}
		return pipeline.Retry("stage timeout")
	}

	switch out.Kind {
	case pipeline.KindAdvance, pipeline.KindRetry, pipeline.KindFail:
		return out
	default:
		return pipeline.Retry("stage returned no outcome")
	}
}

func (p *Processor) release(msg queue.Message, reason string) Disposition {
	return Disposition{Delay: p.backoff.Delay(msg.Attempt()), Reason: reason}
}

func (p *Processor) notify(ctx context.Context, order *orders.Order, status orders.Status, reason string) {
	event := notify.EventCompleted
	if status == orders.StatusFailed {
		event = notify.EventFailed
	}
	o := order.Clone()
	o.Status = status
	o.ErrorDetail = reason
	if err := p.notifier.Notify(ctx, notify.ForOrder(o, event, p.clock.Now())); err != nil {
		p.logger.Warn("notification failed", zap.String("order_id", order.OrderID), zap.Error(err))
	}
}
