// Package pipeline runs an ordered chain of elements terminated by a finalizer.
//
// Every run resolves a fresh instance of each step from its Factory inside a
// Scope bound to that run, so steps may keep per-run state. Elements call next
// to continue or return without calling it to short-circuit. Errors propagate
// to the caller unchanged; the engine never retries.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
)

// Next continues the chain.
type Next[In, Out any] func(ctx context.Context, in In) (Out, error)

// Element is one intermediate step.
type Element[In, Out any] interface {
	Process(ctx context.Context, pc *Context, in In, next Next[In, Out]) (Out, error)
}

// ElementFunc adapts a function to Element.
type ElementFunc[In, Out any] func(ctx context.Context, pc *Context, in In, next Next[In, Out]) (Out, error)

func (f ElementFunc[In, Out]) Process(ctx context.Context, pc *Context, in In, next Next[In, Out]) (Out, error) {
	return f(ctx, pc, in, next)
}

// Finalizer is the terminal step producing the chain's result.
type Finalizer[In, Out any] interface {
	Finalize(ctx context.Context, pc *Context, in In) (Out, error)
}

// FinalizerFunc adapts a function to Finalizer.
type FinalizerFunc[In, Out any] func(ctx context.Context, pc *Context, in In) (Out, error)

func (f FinalizerFunc[In, Out]) Finalize(ctx context.Context, pc *Context, in In) (Out, error) {
	return f(ctx, pc, in)
}

// Factory produces one step instance for a run.
type Factory[T any] func(s *Scope) (T, error)

// Static returns a factory handing out the same stateless instance every run.
func Static[T any](v T) Factory[T] {
	return func(*Scope) (T, error) { return v, nil }
}

// Context is the per-run state shared by the steps of one execution.
type Context struct {
	Scope *Scope

	mu      sync.Mutex
	results []any
}

// AddResult appends v to the run's results list.
func (c *Context) AddResult(v any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, v)
}

// Results returns a copy of the results list.
func (c *Context) Results() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.results))
	copy(out, c.results)
	return out
}

// Pipeline is an immutable, validated chain. It is safe for concurrent runs.
type Pipeline[In, Out any] struct {
	steps     []step[Element[In, Out]]
	finalizer step[Finalizer[In, Out]]
}

type step[T any] struct {
	name    string
	factory Factory[T]
}

// New validates the chain by resolving every step once in a probe scope. A
// step that cannot be produced is reported as a *ConfigError here, never per
// request.
func New[In, Out any](finalizer Factory[Finalizer[In, Out]], elements ...Factory[Element[In, Out]]) (*Pipeline[In, Out], error) {
	steps := make([]step[Element[In, Out]], len(elements))
	for i, f := range elements {
		steps[i] = step[Element[In, Out]]{name: fmt.Sprintf("element[%d]", i), factory: f}
	}
	return build(steps, step[Finalizer[In, Out]]{name: "finalizer", factory: finalizer})
}

func build[In, Out any](steps []step[Element[In, Out]], finalizer step[Finalizer[In, Out]]) (*Pipeline[In, Out], error) {
	probe := newScope(true)
	defer func() { _ = probe.close() }()

	for _, s := range steps {
		if err := probeStep(probe, s); err != nil {
			return nil, err
		}
	}
	if err := probeStep(probe, finalizer); err != nil {
		return nil, err
	}
	return &Pipeline[In, Out]{steps: steps, finalizer: finalizer}, nil
}

func probeStep[T any](scope *Scope, s step[T]) error {
	if s.factory == nil {
		return &ConfigError{Step: s.name, Err: ErrNilFactory}
	}
	v, err := s.factory(scope)
	if err != nil {
		return &ConfigError{Step: s.name, Err: err}
	}
	if isNil(v) {
		return &ConfigError{Step: s.name, Err: ErrNilStep}
	}
	return nil
}

// isNil also catches a nil pointer or func wrapped in a non-nil interface.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Func, reflect.Map, reflect.Slice, reflect.Chan, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// Run executes the chain once.
func (p *Pipeline[In, Out]) Run(ctx context.Context, in In) (Out, error) {
	out, _, err := p.RunCollect(ctx, in)
	return out, err
}

// RunCollect executes the chain once and also returns the results the steps
// added to the run context.
func (p *Pipeline[In, Out]) RunCollect(ctx context.Context, in In) (out Out, results []any, err error) {
	scope := newScope(false)
	pc := &Context{Scope: scope}
	defer func() {
		if closeErr := scope.close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
	}()

	next, err := p.resolve(scope, pc)
	if err != nil {
		return out, nil, err
	}
	out, err = next(ctx, in)
	return out, pc.Results(), err
}

func (p *Pipeline[In, Out]) resolve(scope *Scope, pc *Context) (Next[In, Out], error) {
	fin, err := p.finalizer.factory(scope)
	if err != nil {
		return nil, fmt.Errorf("pipeline: resolve %s: %w", p.finalizer.name, err)
	}
	next := Next[In, Out](func(ctx context.Context, in In) (Out, error) {
		if err := ctx.Err(); err != nil {
			var zero Out
			return zero, err
		}
		return fin.Finalize(ctx, pc, in)
	})

	for i := len(p.steps) - 1; i >= 0; i-- {
		el, err := p.steps[i].factory(scope)
		if err != nil {
			return nil, fmt.Errorf("pipeline: resolve %s: %w", p.steps[i].name, err)
		}
		inner := next
		next = func(ctx context.Context, in In) (Out, error) {
			if err := ctx.Err(); err != nil {
				var zero Out
				return zero, err
			}
			return el.Process(ctx, pc, in, inner)
		}
	}
	return next, nil
}
