package saga

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Step is one forward action of a saga. Compensate, when set, is registered
// once Do succeeds and undoes it.
type Step struct {
	Name       string
	Do         func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

type compensation struct {
	name string
	fn   func(ctx context.Context) error
}

// Compensations is a LIFO stack of undo actions.
type Compensations struct {
	mu    sync.Mutex
	stack []compensation
}

// Register pushes fn onto the stack.
func (c *Compensations) Register(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	c.mu.Lock()
	c.stack = append(c.stack, compensation{name: name, fn: fn})
	c.mu.Unlock()
}

// Len reports how many compensations are pending.
func (c *Compensations) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.stack)
}

// Unwind runs every registered compensation newest first. A failing
// compensation does not stop the others; all failures are joined and wrapped
// in ErrCompensation. The stack is empty afterwards. An empty stack reports
// nil.
func (c *Compensations) Unwind(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	stack := c.stack
	c.stack = nil
	c.mu.Unlock()
	if len(stack) == 0 {
		return nil, nil
	}

	ran := make([]string, 0, len(stack))
	var errs []error
	for i := len(stack) - 1; i >= 0; i-- {
		comp := stack[i]
		ran = append(ran, comp.name)
		if err := comp.fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", comp.name, err))
		}
	}
	if len(errs) > 0 {
		return ran, fmt.Errorf("%w: %w", ErrCompensation, errors.Join(errs...))
	}
	return ran, nil
}

// RunResult describes a saga run.
type RunResult struct {
	FailedStep      string
	Err             error
	Compensated     []string
	CompensationErr error
}

// Run executes steps in order. When step k fails the compensations of the
// k-1 completed steps run in reverse order.
func Run(ctx context.Context, steps []Step) RunResult {
	var comps Compensations
	for _, step := range steps {
		if err := step.Do(ctx); err != nil {
			ran, compErr := comps.Unwind(ctx)
			return RunResult{
				FailedStep:      step.Name,
				Err:             err,
				Compensated:     ran,
				CompensationErr: compErr,
			}
		}
		comps.Register(step.Name, step.Compensate)
	}
	return RunResult{}
}
