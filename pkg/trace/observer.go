// SpanObserver interface for deriving signals from the span lifecycle.
// Observers receive span metadata at start and after sealing.
package trace

import (
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// SpanInfo holds span metadata for signal derivation.
type SpanInfo struct {
	Tracer   string
	Name     string
	Kind     oteltrace.SpanKind
	Start    time.Time
	Duration time.Duration
	IsError  bool
	Attrs    []attribute.KeyValue
}

// SpanObserver receives span metadata as spans start and end. OnStart fires
// for sampled spans only; OnEnd fires once per sealed span, before the
// processors see it. Implementations must not block.
type SpanObserver interface {
	OnStart(info SpanInfo)
	OnEnd(info SpanInfo)
}
