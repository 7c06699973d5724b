// Deterministic provider rig for exporter and instrumentation tests
package tracetest

import (
	"context"
	"time"

	"github.com/zoobzio/clockz"

	"github.com/andrewh/beacon/pkg/trace"
)

// BaseTime is the fake clock's starting instant for all Recorder-based tests.
var BaseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// Recorder bundles a provider with a fake clock, a seeded ID source, and a
// synchronous in-memory exporter, so tests mint sealed spans deterministically.
type Recorder struct {
	Provider *trace.Provider
	Exporter *InMemoryExporter
	Clock    *clockz.FakeClock
}

// NewRecorder builds the rig. Extra provider options are appended after the
// deterministic defaults, so callers can add observers or replace the sampler.
func NewRecorder(opts ...trace.ProviderOption) *Recorder {
	exp := NewInMemoryExporter()
	clock := clockz.NewFakeClockAt(BaseTime)
	base := []trace.ProviderOption{
		trace.WithSpanProcessor(trace.NewSimpleProcessor(exp)),
		trace.WithClock(clock),
		trace.WithIDGenerator(trace.NewSeededIDGenerator(1)),
	}
	return &Recorder{
		Provider: trace.NewProvider(append(base, opts...)...),
		Exporter: exp,
		Clock:    clock,
	}
}

// Seal starts and ends one span per name, advancing the clock 10ms between
// start and end, and returns the freshly sealed views in order.
func (r *Recorder) Seal(names ...string) []trace.ReadOnlySpan {
	before := len(r.Exporter.Spans())
	tracer := r.Provider.Tracer("tracetest")
	for _, name := range names {
		_, span := tracer.Start(context.Background(), name)
		r.Clock.Advance(10 * time.Millisecond)
		span.End()
	}
	return r.Exporter.Spans()[before:]
}

// Shutdown stops the provider, flushing nothing since the exporter is
// synchronous.
func (r *Recorder) Shutdown(ctx context.Context) error {
	return r.Provider.Shutdown(ctx)
}
