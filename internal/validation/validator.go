package validation

import (
	"errors"
	"fmt"
	"math"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"
)

// ErrValidation wraps every payload rejection. It never reaches the pipeline
// as a processing error.
var ErrValidation = errors.New("validation failed")

// New returns a configured validator with custom struct-level validation registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	// register struct-level validation for CreateOrderRequest to ensure
	// the provided TotalAmount matches the sum of (unitPrice * quantity) of items.
	v.RegisterStructValidation(createOrderStructValidation, CreateOrderRequest{})

	return v
}

// createOrderStructValidation verifies the aggregated total of items equals TotalAmount (within cents)
func createOrderStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(CreateOrderRequest)

	var sum float64
	for _, it := range req.Items {
		sum += float64(it.Quantity) * it.UnitPrice
	}

	sumCents := int64(math.Round(sum * 100))
	amountCents := int64(math.Round(req.TotalAmount * 100))
	if sumCents != amountCents {
		sl.ReportError(req.TotalAmount, "totalAmount", "TotalAmount", "amount_match_items", fmt.Sprintf("items sum %.2f != totalAmount %.2f", sum, req.TotalAmount))
	}
}

// Validate runs v over req and wraps any failure in ErrValidation.
func Validate(v *validatorv10.Validate, req CreateOrderRequest) error {
	if err := v.Struct(req); err != nil {
		return &Error{Fields: Fields(err)}
	}
	return nil
}

// Error carries per-field validation messages.
type Error struct {
	Fields map[string]string
}

func (e *Error) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for k, msg := range e.Fields {
		parts = append(parts, k+": "+msg)
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

func (e *Error) Unwrap() error { return ErrValidation }

// Fields flattens validator errors into namespace -> message.
func Fields(err error) map[string]string {
	out := map[string]string{}
	var ve validatorv10.ValidationErrors
	if errors.As(err, &ve) {
		for _, fe := range ve {
			out[fe.StructNamespace()] = fe.Error()
		}
		return out
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Fields
	}
	out["error"] = err.Error()
	return out
}
