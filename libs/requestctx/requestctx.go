// Package requestctx carries the identity and message lineage of the current
// operation through context.
package requestctx

import "context"

type actorKey struct{}
type correlationKey struct{}
type causationKey struct{}

// WithActorID stores the acting principal. Empty ids are ignored.
func WithActorID(ctx context.Context, actorID string) context.Context {
	if actorID == "" {
		return ctx
	}
	return context.WithValue(ctx, actorKey{}, actorID)
}

// ActorID returns the acting principal, or "" for anonymous/system work.
func ActorID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(actorKey{}).(string)
	return v
}

// WithCorrelationID records the correlation id of the message being handled.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey{}, id)
}

func CorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(correlationKey{}).(string)
	return v
}

// WithCausationID records the id of the message that caused the current work.
func WithCausationID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, causationKey{}, id)
}

func CausationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(causationKey{}).(string)
	return v
}
