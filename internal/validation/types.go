package validation

// Item represents a single order line item.
type Item struct {
	ProductID string  `json:"productId" validate:"required"`      // catalogue id
	Quantity  int     `json:"quantity" validate:"required,min=1"` // must be >= 1
	UnitPrice float64 `json:"unitPrice" validate:"required,gt=0"` // price per unit
}

// CreateOrderRequest is the payload for POST /orders
type CreateOrderRequest struct {
	CustomerID      string                 `json:"customerId" validate:"required"`       // business id for customer
	Items           []Item                 `json:"items" validate:"required,min=1,dive"` // at least one item
	TotalAmount     float64                `json:"totalAmount" validate:"required,gt=0"` // total amount client claims
	CustomerEmail   string                 `json:"customerEmail,omitempty" validate:"omitempty,email"`
	ShippingAddress map[string]interface{} `json:"shippingAddress,omitempty"`
	BillingAddress  map[string]interface{} `json:"billingAddress,omitempty"`
}
