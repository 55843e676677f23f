package idempotency

import (
	"context"
	"time"
)

// Status values for idempotency entries
const (
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
	StatusFailed     = "FAILED"
)

// DefaultTTL is how long a key is remembered.
const DefaultTTL = 48 * time.Hour

// IdempotencyRecord is the shape persisted in the idempotency DynamoDB table.
type IdempotencyRecord struct {
	IdempotencyKey string    `dynamodbav:"idempotency_key"` // PK
	Status         string    `dynamodbav:"status"`
	OrderID        string    `dynamodbav:"order_id,omitempty"`
	ResponseBody   string    `dynamodbav:"response_body,omitempty"`
	ResponseStatus int       `dynamodbav:"response_status,omitempty"` // e.g., 201
	CreatedAt      time.Time `dynamodbav:"created_at"`
	UpdatedAt      time.Time `dynamodbav:"updated_at"`
	ExpiresAt      int64     `dynamodbav:"expires_at"` // TTL epoch seconds
	Note           string    `dynamodbav:"note,omitempty"`
}

// Reservation is the outcome of Reserve.
type Reservation struct {
	// Created is true when the caller now owns the key.
	Created bool
	// OrderID is the order bound to the key; for a replay it is the id from
	// the first submission.
	OrderID string
	Status  string
}

// Keeper deduplicates order submissions by client-supplied key.
type Keeper interface {
	// Reserve binds key to orderID unless the key is already held. A key
	// whose earlier submission FAILED can be reserved again.
	Reserve(ctx context.Context, key, orderID string) (Reservation, error)
	MarkDone(ctx context.Context, key, responseBody string, responseStatus int) error
	MarkFailed(ctx context.Context, key, note string) error
}
