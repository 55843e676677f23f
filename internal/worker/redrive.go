package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/imrishuroy/orderpipeline/internal/orders"
	"github.com/imrishuroy/orderpipeline/internal/queue"
)

// RedriveReport summarises a manual redrive.
type RedriveReport struct {
	Redriven []string
	Skipped  []string
}

// Redrive replays dead letters onto the main queue. Only entries whose order
// exists and is not terminal are replayed; match selects entries and nil
// means all of them. Entries that are not replayed are released back to the
// dead-letter queue.
func Redrive(ctx context.Context, store orders.Repository, dlq queue.DeadLetterQueue, max int, match func(queue.DeadLetter) bool, logger *zap.Logger) (RedriveReport, error) {
	var report RedriveReport
	dls, err := dlq.ReceiveDeadLetters(ctx, max)
	if err != nil {
		return report, fmt.Errorf("receive dead letters: %w", err)
	}

	var keep []queue.DeadLetter
	defer func() {
		for _, dl := range keep {
			if err := dlq.ReleaseDeadLetter(ctx, dl); err != nil {
				logger.Warn("release dead letter failed", zap.String("order_id", dl.OrderID), zap.Error(err))
			}
		}
	}()

	for i, dl := range dls {
		if match != nil && !match(dl) {
			keep = append(keep, dl)
			continue
		}
		log := logger.With(zap.String("order_id", dl.OrderID), zap.String("message_id", dl.MessageID))

		o, err := store.Get(ctx, dl.OrderID)
		switch {
		case errors.Is(err, orders.ErrNotFound):
			log.Warn("skipping dead letter for unknown order")
			report.Skipped = append(report.Skipped, dl.OrderID)
			keep = append(keep, dl)
			continue
		case err != nil:
			keep = append(keep, dls[i:]...)
			return report, fmt.Errorf("load order %s: %w", dl.OrderID, err)
		case o.Status.Terminal():
			log.Info("skipping dead letter for terminal order", zap.String("status", o.Status.String()))
			report.Skipped = append(report.Skipped, dl.OrderID)
			keep = append(keep, dl)
			continue
		}

		// replay for the order's current stage, whatever the message carried
		dl.Stage = o.Status
		if err := dlq.Redrive(ctx, dl); err != nil {
			keep = append(keep, dls[i:]...)
			return report, fmt.Errorf("redrive %s: %w", dl.OrderID, err)
		}
		log.Info("dead letter redriven", zap.String("status", o.Status.String()))
		report.Redriven = append(report.Redriven, dl.OrderID)
	}
	return report, nil
}
