package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/md-rashed-zaman/eventrelay/libs/capture"
	"github.com/md-rashed-zaman/eventrelay/libs/event"
	"github.com/md-rashed-zaman/eventrelay/libs/requestctx"
)

// Logging logs every run with its duration and outcome.
func Logging[In, Out any](logger *slog.Logger, name string) Factory[Element[In, Out]] {
	return Static[Element[In, Out]](ElementFunc[In, Out](func(ctx context.Context, pc *Context, in In, next Next[In, Out]) (Out, error) {
		start := time.Now()
		out, err := next(ctx, in)
		attrs := []any{
			"pipeline", name,
			"actor_id", requestctx.ActorID(ctx),
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if err != nil {
			logger.Error("pipeline run failed", append(attrs, "err", err)...)
			return out, err
		}
		logger.Debug("pipeline run completed", attrs...)
		return out, nil
	}))
}

// Recover turns a panic in any later step into an error wrapping ErrPanic.
func Recover[In, Out any]() Factory[Element[In, Out]] {
	return Static[Element[In, Out]](ElementFunc[In, Out](func(ctx context.Context, pc *Context, in In, next Next[In, Out]) (out Out, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("%w: %v", ErrPanic, rec)
			}
		}()
		return next(ctx, in)
	}))
}

// Violation is one failed validation rule.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Violations accumulates failures during one run.
type Violations struct {
	items []Violation
}

func (v *Violations) Add(field, message string) {
	v.items = append(v.items, Violation{Field: field, Message: message})
}

// Require adds a violation when value is blank.
func (v *Violations) Require(field, value string) {
	if strings.TrimSpace(value) == "" {
		v.Add(field, "is required")
	}
}

func (v *Violations) Empty() bool {
	return len(v.items) == 0
}

func (v *Violations) List() []Violation {
	out := make([]Violation, len(v.items))
	copy(out, v.items)
	return out
}

// Validation runs validate against a fresh Violations per run. If anything was
// recorded, the chain stops and reject's result is returned.
func Validation[In, Out any](validate func(ctx context.Context, in In, v *Violations), reject func([]Violation) Out) Factory[Element[In, Out]] {
	return func(*Scope) (Element[In, Out], error) {
		if validate == nil || reject == nil {
			return nil, fmt.Errorf("validation: validate and reject are required")
		}
		violations := &Violations{}
		return ElementFunc[In, Out](func(ctx context.Context, pc *Context, in In, next Next[In, Out]) (Out, error) {
			validate(ctx, in, violations)
			if !violations.Empty() {
				list := violations.List()
				pc.AddResult(list)
				return reject(list), nil
			}
			return next(ctx, in)
		}), nil
	}
}

// Authorization stops the chain with deny's result unless allow accepts the
// actor carried by the context.
func Authorization[In, Out any](allow func(ctx context.Context, actorID string, in In) bool, deny func(actorID string) Out) Factory[Element[In, Out]] {
	return func(*Scope) (Element[In, Out], error) {
		if allow == nil || deny == nil {
			return nil, fmt.Errorf("authorization: allow and deny are required")
		}
		return ElementFunc[In, Out](func(ctx context.Context, pc *Context, in In, next Next[In, Out]) (Out, error) {
			actorID := requestctx.ActorID(ctx)
			if !allow(ctx, actorID, in) {
				return deny(actorID), nil
			}
			return next(ctx, in)
		}), nil
	}
}

// RequireActor allows any non-anonymous actor.
func RequireActor[In any](_ context.Context, actorID string, _ In) bool {
	return actorID != ""
}

// Capture records the events raised by the rest of the chain, appends each one
// to the run's results and lets attach fold them into the output. A
// unit-of-work step further down delivers only the events it committed.
func Capture[In, Out any](attach func(out Out, events []event.Event) Out) Factory[Element[In, Out]] {
	return Static[Element[In, Out]](ElementFunc[In, Out](func(ctx context.Context, pc *Context, in In, next Next[In, Out]) (Out, error) {
		var out Out
		events, err := capture.Run(ctx, func(ctx context.Context) error {
			var err error
			out, err = next(ctx, in)
			return err
		})
		if err != nil {
			return out, err
		}
		for _, e := range events {
			pc.AddResult(e)
		}
		if attach != nil {
			out = attach(out, events)
		}
		return out, nil
	}))
}
