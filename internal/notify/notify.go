// Package notify delivers customer notifications for order lifecycle events.
// Delivery is best effort: failures are logged and never affect the order.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/imrishuroy/orderpipeline/internal/orders"
)

// Event is a notification-worthy lifecycle event.
type Event string

const (
	EventCreated   Event = "created"
	EventCompleted Event = "completed"
	EventFailed    Event = "failed"
)

// Notification is one message for a customer.
type Notification struct {
	OrderID    string    `json:"orderId"`
	CustomerID string    `json:"customerId,omitempty"`
	Event      Event     `json:"event"`
	Summary    string    `json:"summary"`
	At         time.Time `json:"at"`
}

// Notifier delivers a notification.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// ForOrder builds the notification for event with a human-readable summary.
func ForOrder(o orders.Order, event Event, now time.Time) Notification {
	return Notification{
		OrderID:    o.OrderID,
		CustomerID: o.CustomerID,
		Event:      event,
		Summary:    Summarize(o, event, now),
		At:         now.UTC(),
	}
}

// Summarize renders the short text sent to customers.
func Summarize(o orders.Order, event Event, now time.Time) string {
	customer := o.CustomerID
	if customer == "" {
		customer = "Unknown"
	}
	stamp := now.UTC().Format("2006-01-02 15:04:05")

	var b strings.Builder
	switch event {
	case EventCompleted:
		b.WriteString("Order Completed!\n")
		fmt.Fprintf(&b, "Order ID: %s...\n", shortID(o.OrderID))
		fmt.Fprintf(&b, "Customer: %s\n", customer)
		fmt.Fprintf(&b, "Items: %d\n", len(o.Items))
		fmt.Fprintf(&b, "Total: €%.2f\n", o.TotalAmount)
		b.WriteString("Status: Ready for shipping\n")
		fmt.Fprintf(&b, "Completed: %s UTC", stamp)
	case EventFailed:
		b.WriteString("Order Failed!\n")
		fmt.Fprintf(&b, "Order ID: %s...\n", shortID(o.OrderID))
		fmt.Fprintf(&b, "Customer: %s\n", customer)
		if o.ErrorDetail != "" {
			fmt.Fprintf(&b, "Reason: %s\n", o.ErrorDetail)
		}
		b.WriteString("Please contact customer service\n")
		fmt.Fprintf(&b, "Failed: %s UTC", stamp)
	default:
		fmt.Fprintf(&b, "Order %s... - %s", shortID(o.OrderID), strings.ToUpper(string(event)))
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// Log writes notifications to the logger. It is the fallback when no
// delivery channel is configured.
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Notify(_ context.Context, n Notification) error {
	l.logger.Info("order notification",
		zap.String("order_id", n.OrderID),
		zap.String("event", string(n.Event)),
		zap.String("summary", n.Summary))
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, nf := range m {
		if err := nf.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
