// Package docload turns browser timing payloads into document-load traces:
// a page span, a document fetch span, and one span per fetched resource,
// all timed by the payload clock rather than the host clock.
package docload

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/andrewh/beacon/pkg/trace"
)

// Span names in the emitted document-load trace.
const (
	rootSpanName     = "documentLoad"
	fetchSpanName    = "documentFetch"
	resourceSpanName = "resourceFetch"
)

// Attribute keys follow the OpenTelemetry semantic conventions where one
// exists; beacon.* is the app namespace for the rest.
const (
	attrURLFull       = "url.full"
	attrUserAgent     = "user_agent.original"
	attrSessionID     = "session.id"
	attrInitiator     = "beacon.resource.initiator"
	attrResponseBytes = "http.response.body.size"
)

// Option configures the instrumentation.
type Option func(*Instrumentation)

// WithLogger sets the logger for degraded-payload warnings.
func WithLogger(log *zap.Logger) Option {
	return func(i *Instrumentation) { i.log = log }
}

// WithTraceparent overrides the seed for every recorded payload,
// regardless of what the payload itself carries.
func WithTraceparent(tp string) Option {
	return func(i *Instrumentation) { i.seed = tp }
}

// Instrumentation records document-load traces from timing payloads. It is
// inert until started through a Registry (or directly); recording while
// stopped is an error.
type Instrumentation struct {
	log  *zap.Logger
	seed string

	mu       sync.Mutex
	provider *trace.Provider
	tracer   *trace.Tracer
}

// New returns a docload instrumentation ready to register.
func New(opts ...Option) *Instrumentation {
	i := &Instrumentation{log: zap.NewNop()}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Name implements instrument.Instrumentation.
func (i *Instrumentation) Name() string { return "docload" }

// Start binds the instrumentation to a provider.
func (i *Instrumentation) Start(_ context.Context, provider *trace.Provider) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.provider = provider
	i.tracer = provider.Tracer("docload")
	return nil
}

// Stop detaches the instrumentation; subsequent Record calls fail.
func (i *Instrumentation) Stop(context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.provider = nil
	i.tracer = nil
	return nil
}

// Summary describes what one payload produced.
type Summary struct {
	TraceID          string
	Spans            int
	Events           int
	Resources        int
	SkippedResources int
}

// Record emits the document-load trace for one payload. A payload without
// usable navigation timing produces no spans and no error, only a warning;
// malformed resource entries are skipped individually. All timestamps come
// from the payload's own clock.
func (i *Instrumentation) Record(ctx context.Context, p *Payload) (Summary, error) {
	i.mu.Lock()
	provider, tracer := i.provider, i.tracer
	i.mu.Unlock()
	if tracer == nil {
		return Summary{}, errors.New("docload instrumentation is not started")
	}

	if p.Navigation == nil || !p.Navigation.usable() {
		i.log.Warn("payload has no usable navigation timing, producing no spans",
			zap.String("url", p.URL))
		return Summary{}, nil
	}
	nav := p.Navigation

	seed := i.seed
	if seed == "" {
		seed = p.Traceparent
	}
	if seed != "" {
		ctx = provider.ContextWithSeed(ctx, seed)
	}

	session := p.SessionID
	if session == "" {
		session = uuid.NewString()
	}
	rootAttrs := []attribute.KeyValue{
		attribute.String(attrURLFull, p.URL),
		attribute.String(attrSessionID, session),
	}
	if p.UserAgent != "" {
		rootAttrs = append(rootAttrs, attribute.String(attrUserAgent, p.UserAgent))
	}
	rootAttrs = append(rootAttrs, customAttrs(p.Attributes)...)

	var sum Summary
	start := msTime(nav.FetchStart)
	ctx, root := tracer.Start(ctx, rootSpanName,
		trace.WithTimestamp(start),
		trace.WithSpanKind(oteltrace.SpanKindInternal),
		trace.WithAttributes(rootAttrs...))
	sum.TraceID = root.SpanContext().TraceID().String()
	sum.Spans++
	sum.Events += emitMilestones(root, nav)

	_, fetch := tracer.Start(ctx, fetchSpanName,
		trace.WithTimestamp(start),
		trace.WithSpanKind(oteltrace.SpanKindClient))
	sum.Events += emitPhases(fetch, nav.Phases)
	fetch.End(trace.WithEndTimestamp(msTime(nav.ResponseEnd)))
	sum.Spans++

	for idx, res := range p.Resources {
		if res.Name == "" || !res.usable() {
			i.log.Warn("skipping malformed resource entry",
				zap.Int("index", idx),
				zap.String("name", res.Name))
			sum.SkippedResources++
			continue
		}
		attrs := []attribute.KeyValue{attribute.String(attrURLFull, res.Name)}
		if res.InitiatorType != "" {
			attrs = append(attrs, attribute.String(attrInitiator, res.InitiatorType))
		}
		if res.TransferSize > 0 {
			attrs = append(attrs, attribute.Int64(attrResponseBytes, res.TransferSize))
		}
		_, span := tracer.Start(ctx, resourceSpanName,
			trace.WithTimestamp(msTime(res.FetchStart)),
			trace.WithSpanKind(oteltrace.SpanKindClient),
			trace.WithAttributes(attrs...))
		sum.Events += emitPhases(span, res.Phases)
		span.End(trace.WithEndTimestamp(msTime(res.ResponseEnd)))
		sum.Spans++
		sum.Resources++
	}

	root.End(trace.WithEndTimestamp(msTime(pageEnd(nav))))
	return sum, nil
}

// pageEnd picks the page span's end: the latest lifecycle milestone the
// payload reports, never earlier than the document fetch itself.
func pageEnd(nav *Navigation) float64 {
	end := nav.ResponseEnd
	for _, ms := range [...]float64{nav.DOMComplete, nav.LoadEventEnd} {
		if ms > end {
			end = ms
		}
	}
	return end
}

// emitPhases adds one event per non-zero fetch phase, in canonical order,
// timed by the payload clock. Returns the number of events added.
func emitPhases(span *trace.Span, ph Phases) int {
	n := 0
	for i, ms := range ph.values() {
		if ms == 0 {
			continue
		}
		span.AddEvent(phaseOrder[i], trace.WithEventTimestamp(msTime(ms)))
		n++
	}
	return n
}

// Lifecycle milestones emitted as events on the page span.
var milestones = [...]string{
	"domInteractive",
	"domContentLoadedEventStart",
	"domContentLoadedEventEnd",
	"domComplete",
	"loadEventStart",
	"loadEventEnd",
}

func emitMilestones(span *trace.Span, nav *Navigation) int {
	vals := [...]float64{
		nav.DOMInteractive,
		nav.DOMContentLoadedEventStart,
		nav.DOMContentLoadedEventEnd,
		nav.DOMComplete,
		nav.LoadEventStart,
		nav.LoadEventEnd,
	}
	n := 0
	for i, ms := range vals {
		if ms == 0 {
			continue
		}
		span.AddEvent(milestones[i], trace.WithEventTimestamp(msTime(ms)))
		n++
	}
	return n
}

// customAttrs converts the payload's free-form attribute map to typed
// attributes. JSON numbers arrive as float64; integral values become ints.
func customAttrs(m map[string]any) []attribute.KeyValue {
	if len(m) == 0 {
		return nil
	}
	attrs := make([]attribute.KeyValue, 0, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		switch val := m[k].(type) {
		case string:
			attrs = append(attrs, attribute.String(k, val))
		case bool:
			attrs = append(attrs, attribute.Bool(k, val))
		case float64:
			if val == float64(int64(val)) {
				attrs = append(attrs, attribute.Int64(k, int64(val)))
			} else {
				attrs = append(attrs, attribute.Float64(k, val))
			}
		default:
			attrs = append(attrs, attribute.String(k, fmt.Sprint(val)))
		}
	}
	return attrs
}
