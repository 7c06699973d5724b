// Package action records explicit user-interaction spans: click handlers,
// form submissions, anything the page wants timed as one unit of work.
package action

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/andrewh/beacon/pkg/trace"
)

// Track runs fn inside an action span named after the interaction. The
// span nests under any active span in ctx, fn receives the span's context
// for further nesting, and a returned error sets Error status before being
// passed back unchanged.
func Track(ctx context.Context, tracer *trace.Tracer, name string, fn func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, name,
		trace.WithSpanKind(oteltrace.SpanKindInternal))
	defer span.End()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Instrumentation is the registry-managed form of Track: while stopped it
// still runs the wrapped function, just without a span, so disabling the
// hook never changes application behavior.
type Instrumentation struct {
	tracer atomic.Pointer[trace.Tracer]
}

// New returns an action instrumentation ready to register.
func New() *Instrumentation {
	return &Instrumentation{}
}

// Name implements instrument.Instrumentation.
func (i *Instrumentation) Name() string { return "action" }

// Start binds the instrumentation to a provider.
func (i *Instrumentation) Start(_ context.Context, provider *trace.Provider) error {
	i.tracer.Store(provider.Tracer("action"))
	return nil
}

// Stop detaches the instrumentation; Track calls run untraced.
func (i *Instrumentation) Stop(context.Context) error {
	i.tracer.Store(nil)
	return nil
}

// Track wraps fn in an action span when the hook is started, and runs it
// directly when it is not.
func (i *Instrumentation) Track(ctx context.Context, name string, fn func(context.Context) error) error {
	tracer := i.tracer.Load()
	if tracer == nil {
		return fn(ctx)
	}
	return Track(ctx, tracer, name, fn)
}
