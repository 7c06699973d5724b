// Sampling strategies deciding which spans record and export
// The seeded sample decision from a remote parent is honoured by ParentBased
package trace

import (
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Sampler decides whether a new span records and reaches the pipeline.
// Unsampled spans still carry valid identifiers for propagation.
type Sampler interface {
	ShouldSample(parent oteltrace.SpanContext) bool
	Description() string
}

type alwaysOn struct{}

func (alwaysOn) ShouldSample(oteltrace.SpanContext) bool { return true }
func (alwaysOn) Description() string                     { return "AlwaysOn" }

// AlwaysOn samples every span.
func AlwaysOn() Sampler { return alwaysOn{} }

type alwaysOff struct{}

func (alwaysOff) ShouldSample(oteltrace.SpanContext) bool { return false }
func (alwaysOff) Description() string                     { return "AlwaysOff" }

// AlwaysOff samples nothing. Spans still propagate identifiers.
func AlwaysOff() Sampler { return alwaysOff{} }

type parentBased struct {
	root Sampler
}

func (s parentBased) ShouldSample(parent oteltrace.SpanContext) bool {
	if parent.IsValid() {
		return parent.IsSampled()
	}
	return s.root.ShouldSample(parent)
}

func (s parentBased) Description() string {
	return "ParentBased(" + s.root.Description() + ")"
}

// ParentBased inherits the parent's sampled flag when a parent exists,
// including a page-embedded remote seed, and defers to root otherwise.
func ParentBased(root Sampler) Sampler {
	if root == nil {
		root = AlwaysOn()
	}
	return parentBased{root: root}
}
