package orders

import "time"

// Status is the pipeline state of an order.
type Status string

// Order statuses
const (
	StatusPending           Status = "PENDING"
	StatusValidating        Status = "VALIDATING"
	StatusInventoryCheck    Status = "INVENTORY_CHECK"
	StatusPaymentProcessing Status = "PAYMENT_PROCESSING"
	StatusFulfillment       Status = "FULFILLMENT"
	StatusCompleted         Status = "COMPLETED"
	StatusFailed            Status = "FAILED"
)

// pipelineOrder is the directed order every order walks through.
// FAILED is not part of it: it is reachable from any non-terminal status.
var pipelineOrder = []Status{
	StatusPending,
	StatusValidating,
	StatusInventoryCheck,
	StatusPaymentProcessing,
	StatusFulfillment,
	StatusCompleted,
}

// Pipeline returns the ordered list of statuses from PENDING to COMPLETED.
func Pipeline() []Status {
	out := make([]Status, len(pipelineOrder))
	copy(out, pipelineOrder)
	return out
}

// Terminal reports whether no further transition is accepted from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	if s == StatusFailed {
		return true
	}
	for _, p := range pipelineOrder {
		if p == s {
			return true
		}
	}
	return false
}

func (s Status) String() string { return string(s) }

// Successor returns the status that follows s in the pipeline.
func Successor(s Status) (Status, bool) {
	for i, p := range pipelineOrder {
		if p == s && i+1 < len(pipelineOrder) {
			return pipelineOrder[i+1], true
		}
	}
	return "", false
}

// CanTransition reports whether moving from -> to is legal: either the next
// pipeline step, or the escape to FAILED from a non-terminal status.
func CanTransition(from, to Status) bool {
	if from.Terminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	next, ok := Successor(from)
	return ok && next == to
}

// Item represents a single order line.
type Item struct {
	ProductID string  `dynamodbav:"product_id" json:"productId"`
	Quantity  int     `dynamodbav:"quantity" json:"quantity"`
	UnitPrice float64 `dynamodbav:"unit_price" json:"unitPrice"`
}

// HistoryEntry records one committed status transition.
type HistoryEntry struct {
	FromStatus Status    `dynamodbav:"from_status" json:"fromStatus"`
	ToStatus   Status    `dynamodbav:"to_status" json:"toStatus"`
	Timestamp  time.Time `dynamodbav:"timestamp" json:"timestamp"`
	Detail     string    `dynamodbav:"detail,omitempty" json:"detail,omitempty"`
}

// Order represents the item stored in the Orders table.
type Order struct {
	OrderID         string                 `dynamodbav:"order_id" json:"orderId"` // PK
	CustomerID      string                 `dynamodbav:"customer_id" json:"customerId"`
	Items           []Item                 `dynamodbav:"items" json:"items"`
	TotalAmount     float64                `dynamodbav:"total_amount" json:"totalAmount"`
	CustomerEmail   string                 `dynamodbav:"customer_email,omitempty" json:"customerEmail,omitempty"`
	ShippingAddress map[string]interface{} `dynamodbav:"shipping_address,omitempty" json:"shippingAddress,omitempty"`
	BillingAddress  map[string]interface{} `dynamodbav:"billing_address,omitempty" json:"billingAddress,omitempty"`
	Status          Status                 `dynamodbav:"status" json:"status"`
	Version         int64                  `dynamodbav:"version" json:"version"`
	History         []HistoryEntry         `dynamodbav:"history" json:"history"`
	ErrorDetail     string                 `dynamodbav:"error_detail,omitempty" json:"errorDetail,omitempty"`
	CreatedAt       time.Time              `dynamodbav:"created_at" json:"createdAt"`
	UpdatedAt       time.Time              `dynamodbav:"updated_at" json:"updatedAt"`
}

// Clone returns a deep copy so callers can't mutate store-owned slices.
func (o Order) Clone() Order {
	cp := o
	cp.Items = append([]Item(nil), o.Items...)
	cp.History = append([]HistoryEntry(nil), o.History...)
	if cp.History == nil {
		cp.History = []HistoryEntry{}
	}
	cp.ShippingAddress = cloneMap(o.ShippingAddress)
	cp.BillingAddress = cloneMap(o.BillingAddress)
	return cp
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// prepareNew resets the mutable fields of an order about to be created.
func prepareNew(o Order, now time.Time) Order {
	o = o.Clone()
	o.Status = StatusPending
	o.Version = 0
	o.History = []HistoryEntry{}
	o.ErrorDetail = ""
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = o.CreatedAt
	return o
}

// applyTransition mutates o in place for a committed transition.
func applyTransition(o *Order, newStatus Status, detail string, now time.Time) {
	o.History = append(o.History, HistoryEntry{
		FromStatus: o.Status,
		ToStatus:   newStatus,
		Timestamp:  now,
		Detail:     detail,
	})
	o.Status = newStatus
	o.Version++
	o.UpdatedAt = now
	if newStatus == StatusFailed {
		o.ErrorDetail = detail
	}
}
