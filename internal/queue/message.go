package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/imrishuroy/orderpipeline/internal/orders"
)

// ActionProcessOrder is the only action carried on the orders queue.
const ActionProcessOrder = "PROCESS_ORDER"

// ReasonDeliveryExhausted is the final failure reason for messages moved to
// the dead-letter queue by the queue itself.
const ReasonDeliveryExhausted = "delivery-exhausted"

// ErrInvalidMessage is returned when a body cannot be decoded into a Message.
var ErrInvalidMessage = errors.New("invalid queue message")

// Message references an order to be worked on. ReceiveCount and
// ReceiptHandle are owned by the queue and are not part of the body.
type Message struct {
	MessageID     string        `json:"messageId,omitempty"`
	OrderID       string        `json:"orderId"`
	Action        string        `json:"action"`
	Stage         orders.Status `json:"stage,omitempty"`
	CorrelationID string        `json:"correlationId,omitempty"`
	EnqueuedAt    time.Time     `json:"enqueuedAt"`

	ReceiveCount  int    `json:"-"`
	ReceiptHandle string `json:"-"`
}

// NewMessage builds a message for orderID enqueued for stage.
func NewMessage(orderID string, stage orders.Status, correlationID string) Message {
	return Message{
		OrderID:       orderID,
		Action:        ActionProcessOrder,
		Stage:         stage,
		CorrelationID: correlationID,
	}
}

// Attempt is the zero-based delivery attempt used for backoff.
func (m Message) Attempt() int {
	if m.ReceiveCount <= 0 {
		return 0
	}
	return m.ReceiveCount - 1
}

// DeadLetter is a message that exhausted its delivery budget.
type DeadLetter struct {
	Message
	FinalFailureReason string    `json:"finalFailureReason"`
	LastError          string    `json:"lastError,omitempty"`
	DeadLetteredAt     time.Time `json:"deadLetteredAt"`
	// Handle identifies the entry inside the dead-letter store.
	Handle string `json:"-"`
}

// EncodeBody renders a message as the JSON body sent over the wire.
func EncodeBody(msg Message) (string, error) {
	if msg.Action == "" {
		msg.Action = ActionProcessOrder
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal message: %w", err)
	}
	return string(b), nil
}

// DecodeBody parses a body produced by EncodeBody (or by the original
// ingestion lambda, which only sets orderId and action).
func DecodeBody(body string) (Message, error) {
	var msg Message
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if msg.OrderID == "" {
		return Message{}, fmt.Errorf("%w: missing orderId", ErrInvalidMessage)
	}
	if msg.Action != "" && msg.Action != ActionProcessOrder {
		return Message{}, fmt.Errorf("%w: unknown action %q", ErrInvalidMessage, msg.Action)
	}
	return msg, nil
}

func encodeDeadLetter(dl DeadLetter) (string, error) {
	b, err := json.Marshal(dl)
	if err != nil {
		return "", fmt.Errorf("marshal dead letter: %w", err)
	}
	return string(b), nil
}

// DecodeDeadLetter parses a DLQ body. Bodies moved by the native SQS redrive
// policy are plain messages and get the delivery-exhausted reason.
func DecodeDeadLetter(body string) (DeadLetter, error) {
	var dl DeadLetter
	if err := json.Unmarshal([]byte(body), &dl); err != nil {
		return DeadLetter{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if dl.OrderID == "" {
		return DeadLetter{}, fmt.Errorf("%w: missing orderId", ErrInvalidMessage)
	}
	if dl.FinalFailureReason == "" {
		dl.FinalFailureReason = ReasonDeliveryExhausted
	}
	return dl, nil
}
