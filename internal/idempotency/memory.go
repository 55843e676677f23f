package idempotency

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Keeper for local runs and tests.
type Memory struct {
	mu      sync.Mutex
	records map[string]IdempotencyRecord
	ttl     time.Duration
	nowFunc func() time.Time
}

var _ Keeper = (*Memory)(nil)

// NewMemory returns an empty Memory keeper.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{records: map[string]IdempotencyRecord{}, ttl: ttl, nowFunc: time.Now}
}

func (m *Memory) Reserve(_ context.Context, key, orderID string) (Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.nowFunc()
	if rec, ok := m.records[key]; ok && rec.ExpiresAt > now.Unix() && rec.Status != StatusFailed {
		return Reservation{OrderID: rec.OrderID, Status: rec.Status}, nil
	}
	m.records[key] = IdempotencyRecord{
		IdempotencyKey: key,
		Status:         StatusInProgress,
		OrderID:        orderID,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(m.ttl).Unix(),
	}
	return Reservation{Created: true, OrderID: orderID, Status: StatusInProgress}, nil
}

func (m *Memory) MarkDone(_ context.Context, key, responseBody string, responseStatus int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		return nil
	}
	rec.Status = StatusDone
	rec.ResponseBody = responseBody
	rec.ResponseStatus = responseStatus
	rec.UpdatedAt = m.nowFunc()
	m.records[key] = rec
	return nil
}

func (m *Memory) MarkFailed(_ context.Context, key, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[key]
	if !ok {
		return nil
	}
	rec.Status = StatusFailed
	rec.Note = note
	rec.UpdatedAt = m.nowFunc()
	m.records[key] = rec
	return nil
}
