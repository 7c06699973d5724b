// Explicit context propagation for span nesting
// The active span travels in context.Context; snapshots carry it across
// asynchronous boundaries so late children still nest under their parent
package trace

import (
	"context"

	oteltrace "go.opentelemetry.io/otel/trace"
)

type spanKey struct{}

type remoteKey struct{}

// ContextWithSpan returns ctx with span installed as the active span.
func ContextWithSpan(ctx context.Context, span *Span) context.Context {
	return context.WithValue(ctx, spanKey{}, span)
}

// SpanFromContext returns the active span, or nil when none is installed.
func SpanFromContext(ctx context.Context) *Span {
	span, _ := ctx.Value(spanKey{}).(*Span)
	return span
}

// ContextWithRemoteSpanContext installs a remote parent, typically a
// page-embedded traceparent seed. Spans started under it join its trace.
func ContextWithRemoteSpanContext(ctx context.Context, sc oteltrace.SpanContext) context.Context {
	return context.WithValue(ctx, remoteKey{}, sc.WithRemote(true))
}

// SpanContextFromContext resolves the span context new spans parent on:
// the active span first, then a remote seed, then the invalid zero value.
// An invalid result means the next span starts a new root trace.
func SpanContextFromContext(ctx context.Context) oteltrace.SpanContext {
	if span := SpanFromContext(ctx); span != nil {
		return span.SpanContext()
	}
	if sc, ok := ctx.Value(remoteKey{}).(oteltrace.SpanContext); ok {
		return sc
	}
	return oteltrace.SpanContext{}
}

// Continuation is a captured propagation state. It re-attaches the active
// span in another goroutine or callback, the analog of restoring a saved
// context when an asynchronous operation resumes.
type Continuation struct {
	span   *Span
	remote oteltrace.SpanContext
}

// Snapshot captures the current propagation state of ctx.
func Snapshot(ctx context.Context) Continuation {
	c := Continuation{span: SpanFromContext(ctx)}
	if c.span == nil {
		if sc, ok := ctx.Value(remoteKey{}).(oteltrace.SpanContext); ok {
			c.remote = sc
		}
	}
	return c
}

// Restore installs the captured state into ctx. Restoring an empty
// continuation returns ctx unchanged, so later spans begin a new root.
func (c Continuation) Restore(ctx context.Context) context.Context {
	if c.span != nil {
		return ContextWithSpan(ctx, c.span)
	}
	if c.remote.IsValid() {
		return context.WithValue(ctx, remoteKey{}, c.remote)
	}
	return ctx
}
