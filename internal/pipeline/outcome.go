// Package pipeline defines the stage handler contract and the static table
// that maps each non-terminal order status to its handler.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/imrishuroy/orderpipeline/internal/orders"
)

// Kind is the variant of a handler Outcome.
type Kind int

const (
	// KindAdvance moves the order to the stage's successor.
	KindAdvance Kind = iota + 1
	// KindRetry leaves the message to redeliver after backoff.
	KindRetry
	// KindFail moves the order to FAILED.
	KindFail
)

func (k Kind) String() string {
	switch k {
	case KindAdvance:
		return "advance"
	case KindRetry:
		return "retry"
	case KindFail:
		return "fail"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome is what a Handler reports for one execution.
type Outcome struct {
	Kind Kind
	// Detail is the history detail for Advance and the reason for Retry/Fail.
	Detail string
}

func Advance(detail string) Outcome { return Outcome{Kind: KindAdvance, Detail: detail} }
func Retry(reason string) Outcome { return Outcome{Kind: KindRetry, Detail: reason} }
func Fail(reason string) Outcome { return Outcome{Kind: KindFail, Detail: reason} }

// Handler runs the business logic of one status. It must be safe to call
// more than once for the same order.
type Handler func(ctx context.Context, order orders.Order) Outcome

var (
	// ErrTransient marks an error a handler should retry.
	ErrTransient = errors.New("transient processing error")
	// ErrPermanent marks an unrecoverable business failure.
	ErrPermanent = errors.New("permanent processing error")
)

// FromError maps an error returned by a collaborator to an Outcome. nil
// advances with detail, ErrPermanent fails, and everything else retries.
func FromError(err error, detail string) Outcome {
	switch {
	case err == nil:
		return Advance(detail)
	case errors.Is(err, ErrPermanent):
		return Fail(reasonOf(err))
	default:
		return Retry(reasonOf(err))
	}
}

// PermanentError wraps reason so that FromError fails the order with it.
func PermanentError(reason string) error {
	return &reasonError{reason: reason, kind: ErrPermanent}
}

// TransientError wraps reason so that FromError retries with it.
func TransientError(reason string) error {
	return &reasonError{reason: reason, kind: ErrTransient}
}

type reasonError struct {
	reason string
	kind   error
}

func (e *reasonError) Error() string { return e.kind.Error() + ": " + e.reason }
func (e *reasonError) Unwrap() error { return e.kind }

func reasonOf(err error) string {
	var re *reasonError
	if errors.As(err, &re) {
		return re.reason
	}
	return err.Error()
}
