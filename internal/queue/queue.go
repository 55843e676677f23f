// Package queue is the durable work queue between ingestion and the worker
// pool. Delivery is at-least-once with visibility leases; messages received
// more than the configured maximum are moved to a dead-letter queue.
package queue

import (
	"context"
	"time"
)

// Queue is the leased work queue contract.
type Queue interface {
	// Enqueue makes msg receivable after delay.
	Enqueue(ctx context.Context, msg Message, delay time.Duration) error
	// Receive leases up to max visible messages for visibility. Each carries
	// a fresh receipt handle and an incremented ReceiveCount.
	Receive(ctx context.Context, max int, visibility time.Duration) ([]Message, error)
	// Acknowledge deletes the leased message. A stale handle is a no-op.
	Acknowledge(ctx context.Context, receiptHandle string) error
	// ChangeVisibility re-leases the message for timeout, zero releasing it
	// immediately. reason is remembered as the last error. A stale handle
	// is a no-op.
	ChangeVisibility(ctx context.Context, receiptHandle string, timeout time.Duration, reason string) error
}

// DeadLetterQueue exposes messages that exhausted their delivery budget.
type DeadLetterQueue interface {
	// ReceiveDeadLetters returns up to max entries not yet settled.
	ReceiveDeadLetters(ctx context.Context, max int) ([]DeadLetter, error)
	// SettleDeadLetter parks the entry for inspection only.
	SettleDeadLetter(ctx context.Context, dl DeadLetter) error
	// ListDeadLetters peeks at up to max entries without hiding them.
	ListDeadLetters(ctx context.Context, max int) ([]DeadLetter, error)
	// ReleaseDeadLetter makes a received entry visible again right away.
	ReleaseDeadLetter(ctx context.Context, dl DeadLetter) error
	// Redrive re-enqueues the entry on the main queue and removes it.
	Redrive(ctx context.Context, dl DeadLetter) error
}
