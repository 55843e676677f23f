package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/clockz"
)

// ErrDeadLetterNotFound is returned by Redrive for an unknown handle.
var ErrDeadLetterNotFound = errors.New("dead letter not found")

type memEntry struct {
	msg       Message
	visibleAt time.Time
	handle    string
	lastError string
}

type memDeadLetter struct {
	dl      DeadLetter
	settled bool
}

// MemoryQueue is an in-process Queue and DeadLetterQueue with SQS-like lease
// semantics. It is safe for concurrent use.
type MemoryQueue struct {
	mu              sync.Mutex
	clock           clockz.Clock
	maxReceiveCount int
	entries         []*memEntry
	dead            []*memDeadLetter
}

var (
	_ Queue           = (*MemoryQueue)(nil)
	_ DeadLetterQueue = (*MemoryQueue)(nil)
)

// NewMemoryQueue creates a queue that dead-letters a message once it would be
// received more than maxReceiveCount times. Zero disables dead-lettering.
func NewMemoryQueue(maxReceiveCount int) *MemoryQueue {
	return &MemoryQueue{
		clock:           clockz.RealClock,
		maxReceiveCount: maxReceiveCount,
	}
}

// WithClock sets a custom clock for testing.
func (q *MemoryQueue) WithClock(clock clockz.Clock) *MemoryQueue {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.clock = clock
	return q
}

func (q *MemoryQueue) Enqueue(_ context.Context, msg Message, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now().UTC()
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	if msg.Action == "" {
		msg.Action = ActionProcessOrder
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = now
	}
	msg.ReceiveCount = 0
	msg.ReceiptHandle = ""
	if delay < 0 {
		delay = 0
	}
	q.entries = append(q.entries, &memEntry{msg: msg, visibleAt: now.Add(delay)})
	return nil
}

// Receive leases visible messages in enqueue order. A message whose next
// receive would exceed maxReceiveCount is moved to the dead letters instead.
func (q *MemoryQueue) Receive(_ context.Context, max int, visibility time.Duration) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now().UTC()
	var out []Message
	kept := q.entries[:0]
	for _, e := range q.entries {
		if (max > 0 && len(out) >= max) || e.visibleAt.After(now) {
			kept = append(kept, e)
			continue
		}
		if q.maxReceiveCount > 0 && e.msg.ReceiveCount+1 > q.maxReceiveCount {
			q.dead = append(q.dead, &memDeadLetter{dl: DeadLetter{
				Message:            e.msg,
				FinalFailureReason: ReasonDeliveryExhausted,
				LastError:          e.lastError,
				DeadLetteredAt:     now,
				Handle:             uuid.NewString(),
			}})
			continue
		}
		e.msg.ReceiveCount++
		e.handle = uuid.NewString()
		e.visibleAt = now.Add(visibility)

		msg := e.msg
		msg.ReceiptHandle = e.handle
		out = append(out, msg)
		kept = append(kept, e)
	}
	// clear the tail so dropped entries can be collected
	for i := len(kept); i < len(q.entries); i++ {
		q.entries[i] = nil
	}
	q.entries = kept
	return out, nil
}

func (q *MemoryQueue) Acknowledge(_ context.Context, receiptHandle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, e := range q.entries {
		if e.handle != "" && e.handle == receiptHandle {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return nil
		}
	}
	return nil
}

func (q *MemoryQueue) ChangeVisibility(_ context.Context, receiptHandle string, timeout time.Duration, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now().UTC()
	for _, e := range q.entries {
		if e.handle == "" || e.handle != receiptHandle {
			continue
		}
		// a lease that already lapsed can't be extended
		if !e.visibleAt.After(now) {
			return nil
		}
		if timeout < 0 {
			timeout = 0
		}
		e.visibleAt = now.Add(timeout)
		if reason != "" {
			e.lastError = reason
		}
		return nil
	}
	return nil
}

func (q *MemoryQueue) ReceiveDeadLetters(_ context.Context, max int) ([]DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []DeadLetter
	for _, d := range q.dead {
		if max > 0 && len(out) >= max {
			break
		}
		if !d.settled {
			out = append(out, d.dl)
		}
	}
	return out, nil
}

func (q *MemoryQueue) SettleDeadLetter(_ context.Context, dl DeadLetter) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, d := range q.dead {
		if d.dl.Handle == dl.Handle {
			d.settled = true
			return nil
		}
	}
	return nil
}

func (q *MemoryQueue) ListDeadLetters(_ context.Context, max int) ([]DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []DeadLetter
	for _, d := range q.dead {
		if max > 0 && len(out) >= max {
			break
		}
		out = append(out, d.dl)
	}
	return out, nil
}

// ReleaseDeadLetter is a no-op: receiving dead letters does not hide them.
func (q *MemoryQueue) ReleaseDeadLetter(context.Context, DeadLetter) error { return nil }

func (q *MemoryQueue) Redrive(ctx context.Context, dl DeadLetter) error {
	q.mu.Lock()
	idx := -1
	for i, d := range q.dead {
		if d.dl.Handle == dl.Handle {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		return ErrDeadLetterNotFound
	}
	msg := dl.Message
	q.dead = append(q.dead[:idx], q.dead[idx+1:]...)
	q.mu.Unlock()

	msg.MessageID = ""
	msg.EnqueuedAt = time.Time{}
	return q.Enqueue(ctx, msg, 0)
}

// Stats reports queue depth: visible, in flight, and dead-lettered.
func (q *MemoryQueue) Stats() (visible, inFlight, dead int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now().UTC()
	for _, e := range q.entries {
		if e.visibleAt.After(now) && e.handle != "" {
			inFlight++
		} else if !e.visibleAt.After(now) {
			visible++
		}
	}
	return visible, inFlight, len(q.dead)
}
