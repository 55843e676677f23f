package pipeline

import (
	"errors"
	"fmt"

	"github.com/imrishuroy/orderpipeline/internal/orders"
)

var (
	ErrDuplicateStage = errors.New("duplicate stage")
	ErrTerminalStage  = errors.New("terminal status cannot have a stage")
	ErrIllegalNext    = errors.New("next status is not the pipeline successor")
	ErrNilHandler     = errors.New("stage handler is nil")
	ErrMissingStage   = errors.New("non-terminal status has no stage")
)

// Stage binds a status to its handler and the status reached on Advance.
type Stage struct {
	Status  orders.Status
	Handler Handler
	Next    orders.Status
}

// Registry is the read-only stage table. It is built once and is safe for
// concurrent reads without locking.
type Registry struct {
	stages map[orders.Status]Stage
}

// NewRegistry validates stages and builds a Registry. Every non-terminal
// status must have exactly one stage. A zero Next defaults to the successor.
func NewRegistry(stages ...Stage) (*Registry, error) {
	r := &Registry{stages: make(map[orders.Status]Stage, len(stages))}
	for _, s := range stages {
		if !s.Status.Valid() || s.Status.Terminal() {
			return nil, fmt.Errorf("%w: %s", ErrTerminalStage, s.Status)
		}
		if s.Handler == nil {
			return nil, fmt.Errorf("%w: %s", ErrNilHandler, s.Status)
		}
		if _, dup := r.stages[s.Status]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateStage, s.Status)
		}
		succ, _ := orders.Successor(s.Status)
		if s.Next == "" {
			s.Next = succ
		}
		if s.Next != succ {
			return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalNext, s.Status, s.Next)
		}
		r.stages[s.Status] = s
	}
	for _, st := range orders.Pipeline() {
		if st.Terminal() {
			continue
		}
		if _, ok := r.stages[st]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingStage, st)
		}
	}
	return r, nil
}

// Lookup returns the stage registered for status.
func (r *Registry) Lookup(status orders.Status) (Stage, bool) {
	s, ok := r.stages[status]
	return s, ok
}

// Stages returns the registered stages in pipeline order.
func (r *Registry) Stages() []Stage {
	out := make([]Stage, 0, len(r.stages))
	for _, st := range orders.Pipeline() {
		if s, ok := r.stages[st]; ok {
			out = append(out, s)
		}
	}
	return out
}
