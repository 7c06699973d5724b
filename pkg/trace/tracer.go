// Package trace implements the span pipeline for page-load telemetry:
// explicit-context span recording, pluggable sampling, and processor fan-out.
package trace

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Provider owns pipeline configuration and hands out Tracers. All spans
// started from a provider's tracers flow through its processors. A Provider
// is safe for concurrent use.
type Provider struct {
	processors []SpanProcessor
	observers  []SpanObserver
	sampler    Sampler
	clock      clockz.Clock
	idgen      IDGenerator
	log        *zap.Logger
	resource   []attribute.KeyValue

	mu      sync.Mutex
	tracers map[string]*Tracer
	stopped atomic.Bool
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithSpanProcessor registers a processor. Processors receive sealed spans
// in registration order.
func WithSpanProcessor(sp SpanProcessor) ProviderOption {
	return func(p *Provider) { p.processors = append(p.processors, sp) }
}

// WithSampler sets the sampling strategy. Default is ParentBased(AlwaysOn()).
func WithSampler(s Sampler) ProviderOption {
	return func(p *Provider) { p.sampler = s }
}

// WithClock injects the clock used for span and event timestamps.
func WithClock(c clockz.Clock) ProviderOption {
	return func(p *Provider) { p.clock = c }
}

// WithLogger sets the operational log sink. Pipeline failures are reported
// here and never surface to instrumented code.
func WithLogger(log *zap.Logger) ProviderOption {
	return func(p *Provider) { p.log = log }
}

// WithIDGenerator replaces the random trace/span ID source.
func WithIDGenerator(gen IDGenerator) ProviderOption {
	return func(p *Provider) { p.idgen = gen }
}

// WithObserver registers a span observer for derived signals.
func WithObserver(obs SpanObserver) ProviderOption {
	return func(p *Provider) { p.observers = append(p.observers, obs) }
}

// WithResource sets provider-level attributes attached to every exported span.
func WithResource(attrs ...attribute.KeyValue) ProviderOption {
	return func(p *Provider) { p.resource = append(p.resource, attrs...) }
}

// NewProvider creates a Provider. Without options it samples everything,
// uses the real clock, and discards operational logs.
func NewProvider(opts ...ProviderOption) *Provider {
	p := &Provider{
		tracers: make(map[string]*Tracer),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.sampler == nil {
		p.sampler = ParentBased(AlwaysOn())
	}
	if p.clock == nil {
		p.clock = clockz.RealClock
	}
	if p.idgen == nil {
		p.idgen = NewRandomIDGenerator()
	}
	if p.log == nil {
		p.log = zap.NewNop()
	}
	return p
}

// Tracer returns the named tracer, creating it on first use.
func (p *Provider) Tracer(name string) *Tracer {
	if name == "" {
		name = "beacon"
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.tracers[name]; ok {
		return t
	}
	t := &Tracer{provider: p, name: name}
	p.tracers[name] = t
	return t
}

// ForceFlush drains every processor's pending spans.
func (p *Provider) ForceFlush(ctx context.Context) error {
	errs := make([]error, len(p.processors))
	for i, proc := range p.processors {
		errs[i] = proc.ForceFlush(ctx)
	}
	return errors.Join(errs...)
}

// Shutdown flushes and stops every processor concurrently, bounded by ctx.
// Spans started afterwards record nothing. Repeated calls return nil.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.stopped.CompareAndSwap(false, true) {
		return nil
	}
	errs := make([]error, len(p.processors))
	var wg sync.WaitGroup
	for i, proc := range p.processors {
		wg.Go(func() {
			errs[i] = proc.Shutdown(ctx)
		})
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (p *Provider) observeStart(info SpanInfo) {
	for _, obs := range p.observers {
		obs.OnStart(info)
	}
}

func (p *Provider) observeEnd(snap ReadOnlySpan) {
	if len(p.observers) == 0 {
		return
	}
	info := SpanInfo{
		Tracer:   snap.TracerName(),
		Name:     snap.Name(),
		Kind:     snap.SpanKind(),
		Start:    snap.StartTime(),
		Duration: snap.EndTime().Sub(snap.StartTime()),
		IsError:  snap.Status().Code == codes.Error,
		Attrs:    snap.Attributes(),
	}
	for _, obs := range p.observers {
		obs.OnEnd(info)
	}
}

// Tracer creates spans scoped to one instrumentation name.
type Tracer struct {
	provider *Provider
	name     string
}

type startConfig struct {
	timestamp time.Time
	kind      oteltrace.SpanKind
	attrs     []attribute.KeyValue
}

// StartOption configures span creation.
type StartOption func(*startConfig)

// WithTimestamp sets an explicit start time instead of the clock's now.
func WithTimestamp(t time.Time) StartOption {
	return func(c *startConfig) { c.timestamp = t }
}

// WithSpanKind sets the span kind. Default is SpanKindInternal.
func WithSpanKind(kind oteltrace.SpanKind) StartOption {
	return func(c *startConfig) { c.kind = kind }
}

// WithAttributes attaches attributes at span start.
func WithAttributes(attrs ...attribute.KeyValue) StartOption {
	return func(c *startConfig) { c.attrs = append(c.attrs, attrs...) }
}

// Start begins a span as a child of the context's active span context.
// With no parent in ctx a new root trace begins; that is never an error.
// The returned context carries the new span for downstream nesting.
func (t *Tracer) Start(ctx context.Context, name string, opts ...StartOption) (context.Context, *Span) {
	cfg := startConfig{kind: oteltrace.SpanKindInternal}
	for _, opt := range opts {
		opt(&cfg)
	}

	p := t.provider
	parent := SpanContextFromContext(ctx)

	var traceID oteltrace.TraceID
	var spanID oteltrace.SpanID
	if parent.IsValid() {
		traceID = parent.TraceID()
		spanID = p.idgen.NewSpanID(ctx, traceID)
	} else {
		traceID, spanID = p.idgen.NewIDs(ctx)
	}

	sampled := p.sampler.ShouldSample(parent) && !p.stopped.Load()
	var flags oteltrace.TraceFlags
	if sampled {
		flags = oteltrace.FlagsSampled
	}

	start := cfg.timestamp
	if start.IsZero() {
		start = p.clock.Now()
	}

	s := &Span{
		tracer: t,
		name:   name,
		sc: oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
			TraceID:    traceID,
			SpanID:     spanID,
			TraceFlags: flags,
		}),
		parent:    parent,
		kind:      cfg.kind,
		start:     start,
		attrs:     cfg.attrs,
		recording: sampled,
	}

	if sampled {
		p.observeStart(SpanInfo{
			Tracer: t.name,
			Name:   name,
			Kind:   cfg.kind,
			Start:  start,
			Attrs:  cfg.attrs,
		})
	}

	return ContextWithSpan(ctx, s), s
}
