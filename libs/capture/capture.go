// Package capture records domain events raised during one logical operation.
//
// The logical flow is the context.Context: a capture installed with Begin or
// WithQueue is visible to every call that receives the derived context,
// including goroutines it is handed to, and invisible to the parent context and
// to sibling flows derived from it before the capture began. Use Detach to start
// an unrelated flow from inside a captured one.
//
// Captures do not nest. Beginning a capture while one is active on the same
// flow, ending a capture twice, or ending one that was never begun returns an
// error wrapping ErrMisuse. The one exception is a unit of work running under a
// Recorder: it binds its own Queue on a detached flow and hands what it
// committed to the Recorder with Deliver.
package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/md-rashed-zaman/eventrelay/libs/event"
)

type ctxKey struct{}

type sink interface {
	record(e event.Event) bool
	active() bool
}

type binding struct {
	sink sink
}

func current(ctx context.Context) sink {
	b, _ := ctx.Value(ctxKey{}).(binding)
	if b.sink == nil || !b.sink.active() {
		return nil
	}
	return b.sink
}

// Active reports whether events raised on ctx are being captured.
func Active(ctx context.Context) bool {
	return current(ctx) != nil
}

// Recorder is a single-shot capture. The zero value is not usable; obtain one
// from Begin.
type Recorder struct {
	mu     sync.Mutex
	events []event.Event
	begun  bool
	ended  bool
}

func (r *Recorder) record(e event.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended {
		return false
	}
	r.events = append(r.events, e)
	return true
}

func (r *Recorder) active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.ended
}

// Begin installs a new recorder as the active capture for the returned context.
func Begin(ctx context.Context) (context.Context, *Recorder, error) {
	if current(ctx) != nil {
		return ctx, nil, fmt.Errorf("%w: capture already active on this flow", ErrMisuse)
	}
	r := &Recorder{begun: true}
	return context.WithValue(ctx, ctxKey{}, binding{sink: r}), r, nil
}

// End deactivates the recorder and returns the events in raise order. Callers
// continue on the context they passed to Begin, which never saw the recorder.
func (r *Recorder) End() ([]event.Event, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: end without begin", ErrMisuse)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.begun {
		return nil, fmt.Errorf("%w: end without begin", ErrMisuse)
	}
	if r.ended {
		return nil, fmt.Errorf("%w: capture already ended", ErrMisuse)
	}
	r.ended = true
	out := make([]event.Event, len(r.events))
	copy(out, r.events)
	r.events = nil
	return out, nil
}

// End ends the recorder installed on ctx by Begin.
func End(ctx context.Context) ([]event.Event, error) {
	b, _ := ctx.Value(ctxKey{}).(binding)
	r, ok := b.sink.(*Recorder)
	if !ok {
		return nil, fmt.Errorf("%w: end without begin", ErrMisuse)
	}
	return r.End()
}

// Run captures the events raised by fn. The capture is ended on every exit
// path, including panics, and the events raised before a failure are returned
// alongside the error.
func Run(ctx context.Context, fn func(ctx context.Context) error) (events []event.Event, err error) {
	runCtx, r, err := Begin(ctx)
	if err != nil {
		return nil, err
	}
	ended := false
	defer func() {
		if !ended {
			_, _ = r.End()
		}
	}()

	fnErr := fn(runCtx)
	events, err = r.End()
	ended = true
	if err != nil {
		return nil, err
	}
	return events, fnErr
}

// Recording reports whether a single-shot capture is active on ctx.
func Recording(ctx context.Context) bool {
	_, ok := current(ctx).(*Recorder)
	return ok
}

// Deliver appends events to the Recorder active on ctx. It reports false when
// no Recorder is active or it ended before every event was taken.
func Deliver(ctx context.Context, events []event.Event) bool {
	r, ok := current(ctx).(*Recorder)
	if !ok {
		return false
	}
	for _, e := range events {
		if !r.record(e) {
			return false
		}
	}
	return true
}

// Raise forwards e to the capture active on ctx. Without one the event is
// dropped and ErrNoCapture is returned so callers that raise unconditionally can
// ignore it or log it.
func Raise(ctx context.Context, e event.Event) error {
	s := current(ctx)
	if s == nil || !s.record(e) {
		return fmt.Errorf("%w: %s", ErrNoCapture, e.Type)
	}
	return nil
}

// MustRaise is Raise for code paths where a missing capture is a bug.
func MustRaise(ctx context.Context, e event.Event) {
	if err := Raise(ctx, e); err != nil {
		panic(err)
	}
}

// Detach returns a context for an unrelated flow: it keeps ctx's values and
// cancellation but has no active capture, so it may Begin its own.
func Detach(ctx context.Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, binding{})
}
