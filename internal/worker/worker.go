// Package worker tags a context with the name of the pipeline worker or
// surface doing the work, so storage tracers and metrics can label by it
// without the pipeline depending on a storage backend.
package worker

import "context"

type ctxKey struct{}

// With tags ctx with name. An empty name leaves ctx unchanged.
func With(ctx context.Context, name string) context.Context {
	if name == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, name)
}

// From returns the worker name on ctx, or "".
func From(ctx context.Context) string {
	if v, ok := ctx.Value(ctxKey{}).(string); ok {
		return v
	}
	return ""
}
