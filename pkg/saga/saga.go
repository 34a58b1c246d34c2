package saga

import (
	"context"
	"errors"
	"fmt"
)

// Step is one forward action with an optional undo.
type Step struct {
	Name       string
	Execute    func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

// Error reports which step failed and how the rollback went.
type Error struct {
	Saga  string
	Step  string
	Index int
	Err   error

	// Compensated lists the steps undone successfully, in rollback order.
	Compensated []string
	// CompensationErr joins every failed undo.
	CompensationErr error
}

func (e *Error) Error() string {
	if e.CompensationErr != nil {
		return fmt.Sprintf("saga %s: step %q failed (%v), compensation also failed: %v", e.Saga, e.Step, e.Err, e.CompensationErr)
	}
	return fmt.Sprintf("saga %s: step %q failed: %v", e.Saga, e.Step, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Saga runs steps in order and compensates completed ones on failure.
type Saga struct {
	name  string
	steps []Step
}

func New(name string) *Saga {
	return &Saga{name: name}
}

func (s *Saga) AddStep(step Step) *Saga {
	s.steps = append(s.steps, step)
	return s
}

// Len is the number of registered steps.
func (s *Saga) Len() int { return len(s.steps) }

// Execute runs all steps sequentially. On the first failure every
// completed step is compensated in reverse order and a *Error is returned.
// Compensation runs even when ctx is already cancelled.
func (s *Saga) Execute(ctx context.Context) error {
	for i, step := range s.steps {
		if err := ctx.Err(); err != nil {
			return s.rollback(ctx, i, step.Name, err)
		}
		if err := step.Execute(ctx); err != nil {
			return s.rollback(ctx, i, step.Name, err)
		}
	}
	return nil
}

func (s *Saga) rollback(ctx context.Context, failed int, name string, cause error) *Error {
	out := &Error{Saga: s.name, Step: name, Index: failed, Err: cause}
	ctx = context.WithoutCancel(ctx)

	var errs []error
	for i := failed - 1; i >= 0; i-- {
		step := s.steps[i]
		if step.Compensate == nil {
			continue
		}
		if err := step.Compensate(ctx); err != nil {
			errs = append(errs, fmt.Errorf("compensate step %q: %w", step.Name, err))
			continue
		}
		out.Compensated = append(out.Compensated, step.Name)
	}
	out.CompensationErr = errors.Join(errs...)
	return out
}
