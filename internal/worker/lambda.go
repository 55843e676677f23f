package worker

import (
	"context"
	"strconv"

	"github.com/aws/aws-lambda-go/events"
	"go.uber.org/zap"

	"github.com/imrishuroy/orderpipeline/internal/metrics"
	"github.com/imrishuroy/orderpipeline/internal/orders"
	"github.com/imrishuroy/orderpipeline/internal/queue"
)

// SQSHandler processes SQS-triggered Lambda batches through a Processor.
// The event source mapping owns the leases, so retries are reported as
// batch item failures rather than left for the visibility timeout alone.
type SQSHandler struct {
	processor   *Processor
	queue       queue.Queue
	deadLetters queue.DeadLetterQueue
	metrics     metrics.Recorder
	flush       func()
	logger      *zap.Logger
}

// NewSQSHandler creates a handler. q is used to apply the backoff delay to
// released messages; it may be nil.
func NewSQSHandler(processor *Processor, q queue.Queue, m metrics.Recorder, logger *zap.Logger) *SQSHandler {
	if m == nil {
		m = metrics.Nop{}
	}
	return &SQSHandler{processor: processor, queue: q, metrics: m, logger: logger}
}

// WithDeadLetters keeps processed dead letters parked in the DLQ instead of
// letting Lambda delete them.
func (h *SQSHandler) WithDeadLetters(d queue.DeadLetterQueue) *SQSHandler {
	h.deadLetters = d
	return h
}

// WithFlush sets fn to run before every invocation returns. Work left in
// background goroutines is frozen with the execution environment otherwise.
func (h *SQSHandler) WithFlush(fn func()) *SQSHandler {
	h.flush = fn
	return h
}

func (h *SQSHandler) flushPending() {
	if h.flush != nil {
		h.flush()
	}
}

// Handle requires ReportBatchItemFailures on the event source mapping.
func (h *SQSHandler) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	defer h.flushPending()
	h.logger.Info("received SQS batch", zap.Int("records", len(ev.Records)))

	var resp events.SQSEventResponse
	var completed, failed int
	for _, rec := range ev.Records {
		msg, err := queue.DecodeBody(rec.Body)
		if err != nil {
			// redelivery can't fix a malformed body
			h.logger.Error("dropping undecodable message", zap.String("message_id", rec.MessageId), zap.Error(err))
			continue
		}
		msg.MessageID = rec.MessageId
		msg.ReceiptHandle = rec.ReceiptHandle
		msg.ReceiveCount, _ = strconv.Atoi(rec.Attributes["ApproximateReceiveCount"])

		d := h.processor.Process(ctx, msg)
		switch d.Terminal {
		case orders.StatusCompleted:
			completed++
		case orders.StatusFailed:
			failed++
		}
		if d.Ack {
			continue
		}
		if h.queue != nil {
			if err := h.queue.ChangeVisibility(ctx, msg.ReceiptHandle, d.Delay, d.Reason); err != nil {
				h.logger.Warn("could not apply backoff", zap.String("order_id", msg.OrderID), zap.Error(err))
			}
		}
		resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
	}

	if err := h.metrics.RecordBatch(ctx, completed, failed); err != nil {
		h.logger.Warn("failed to record metrics", zap.Error(err))
	}
	return resp, nil
}

// HandleDeadLetters consumes a DLQ-triggered batch and marks each order
// FAILED with the delivery-exhausted reason.
func (h *SQSHandler) HandleDeadLetters(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	defer h.flushPending()
	var resp events.SQSEventResponse
	failed := 0
	for _, rec := range ev.Records {
		dl, err := queue.DecodeDeadLetter(rec.Body)
		if err != nil {
			h.logger.Error("dropping undecodable dead letter", zap.String("message_id", rec.MessageId), zap.Error(err))
			continue
		}
		dl.Handle = rec.ReceiptHandle
		marked, err := h.processor.MarkDeadLetter(ctx, dl)
		if err != nil {
			h.logger.Error("dead letter not processed", zap.String("order_id", dl.OrderID), zap.Error(err))
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
			continue
		}
		if marked {
			failed++
		}
		if h.deadLetters != nil {
			// a settled entry is hidden but stays in the DLQ only while the
			// record is reported back as not processed
			if err := h.deadLetters.SettleDeadLetter(ctx, dl); err != nil {
				h.logger.Warn("settle dead letter failed", zap.String("order_id", dl.OrderID), zap.Error(err))
			}
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
		}
	}
	if err := h.metrics.RecordBatch(ctx, 0, failed); err != nil {
		h.logger.Warn("failed to record metrics", zap.Error(err))
	}
	return resp, nil
}
