// Span lifecycle: open, mutable recording, sealed read-only hand-off
// A span is created by a Tracer, mutated while active, and sealed exactly once by End
package trace

import (
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Event is a named point-in-time annotation attached to a span.
type Event struct {
	Name       string
	Time       time.Time
	Attributes []attribute.KeyValue
}

// Status is the outcome of the operation a span describes.
type Status struct {
	Code        codes.Code
	Description string
}

// Span is an in-flight unit of work. It is safe for concurrent use.
// After End the span is sealed: further mutation warns and is ignored,
// and the recorded end timestamp never changes.
type Span struct {
	tracer *Tracer

	mu        sync.Mutex
	name      string
	sc        oteltrace.SpanContext
	parent    oteltrace.SpanContext
	kind      oteltrace.SpanKind
	start     time.Time
	end       time.Time
	attrs     []attribute.KeyValue
	events    []Event
	status    Status
	recording bool
	ended     bool
}

// SpanContext returns the span's immutable identity (trace ID, span ID, flags).
func (s *Span) SpanContext() oteltrace.SpanContext {
	return s.sc
}

// IsRecording reports whether mutations to the span are retained.
// Unsampled spans and spans started after provider shutdown record nothing.
func (s *Span) IsRecording() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recording && !s.ended
}

// SetName renames the span.
func (s *Span) SetName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealedLocked("SetName") {
		return
	}
	s.name = name
}

// SetAttributes appends attributes to the span. Later values for the same
// key win at export time; no dedup happens while recording.
func (s *Span) SetAttributes(attrs ...attribute.KeyValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealedLocked("SetAttributes") {
		return
	}
	s.attrs = append(s.attrs, attrs...)
}

// SetStatus records the span outcome. Error status carries a description.
func (s *Span) SetStatus(code codes.Code, description string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealedLocked("SetStatus") {
		return
	}
	s.status = Status{Code: code}
	if code == codes.Error {
		s.status.Description = description
	}
}

// AddEvent appends a named event. The event time defaults to the
// provider clock's current time.
func (s *Span) AddEvent(name string, opts ...EventOption) {
	var cfg eventConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealedLocked("AddEvent") {
		return
	}
	if !s.recording {
		return
	}
	ts := cfg.timestamp
	if ts.IsZero() {
		ts = s.tracer.provider.clock.Now()
	}
	s.events = append(s.events, Event{Name: name, Time: ts, Attributes: cfg.attrs})
}

// RecordError adds an exception event and is a convenience over AddEvent.
// It does not change the span status; callers set that explicitly.
func (s *Span) RecordError(err error) {
	if err == nil {
		return
	}
	s.AddEvent("exception", WithEventAttributes(
		attribute.String("exception.message", err.Error()),
	))
}

// End seals the span and hands the read-only snapshot to the pipeline.
// The end timestamp is clamped so it never precedes the start timestamp.
// Ending an already-ended span warns and changes nothing.
func (s *Span) End(opts ...EndOption) {
	var cfg endConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		s.tracer.provider.log.Warn("span already ended",
			zap.String("span", s.name),
			zap.String("span_id", s.sc.SpanID().String()))
		return
	}
	s.ended = true

	end := cfg.timestamp
	if end.IsZero() {
		end = s.tracer.provider.clock.Now()
	}
	if end.Before(s.start) {
		end = s.start
	}
	s.end = end

	recording := s.recording
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if !recording {
		return
	}

	p := s.tracer.provider
	p.observeEnd(snap)
	for _, proc := range p.processors {
		proc.OnEnd(snap)
	}
}

// sealedLocked reports whether the span is sealed, warning once per call site.
// Callers must hold s.mu.
func (s *Span) sealedLocked(op string) bool {
	if !s.ended {
		return false
	}
	s.tracer.provider.log.Warn("mutation of sealed span ignored",
		zap.String("op", op),
		zap.String("span", s.name),
		zap.String("span_id", s.sc.SpanID().String()))
	return true
}

// snapshotLocked builds the sealed read-only view. Callers must hold s.mu.
func (s *Span) snapshotLocked() ReadOnlySpan {
	return &snapshot{
		name:     s.name,
		sc:       s.sc,
		parent:   s.parent,
		kind:     s.kind,
		start:    s.start,
		end:      s.end,
		attrs:    slices.Clone(s.attrs),
		events:   slices.Clone(s.events),
		status:   s.status,
		tracer:   s.tracer.name,
		resource: s.tracer.provider.resource,
	}
}

// ReadOnlySpan is the sealed view of a finished span handed to processors
// and exporters. Implementations are immutable.
type ReadOnlySpan interface {
	Name() string
	SpanContext() oteltrace.SpanContext
	Parent() oteltrace.SpanContext
	SpanKind() oteltrace.SpanKind
	StartTime() time.Time
	EndTime() time.Time
	Attributes() []attribute.KeyValue
	Events() []Event
	Status() Status
	// Resource holds provider-level attributes shared by all spans.
	Resource() []attribute.KeyValue
	// TracerName is the name of the Tracer that produced the span.
	TracerName() string
}

type snapshot struct {
	name     string
	sc       oteltrace.SpanContext
	parent   oteltrace.SpanContext
	kind     oteltrace.SpanKind
	start    time.Time
	end      time.Time
	attrs    []attribute.KeyValue
	events   []Event
	status   Status
	tracer   string
	resource []attribute.KeyValue
}

func (s *snapshot) Name() string                       { return s.name }
func (s *snapshot) SpanContext() oteltrace.SpanContext { return s.sc }
func (s *snapshot) Parent() oteltrace.SpanContext      { return s.parent }
func (s *snapshot) SpanKind() oteltrace.SpanKind       { return s.kind }
func (s *snapshot) StartTime() time.Time               { return s.start }
func (s *snapshot) EndTime() time.Time                 { return s.end }
func (s *snapshot) Attributes() []attribute.KeyValue   { return s.attrs }
func (s *snapshot) Events() []Event                    { return s.events }
func (s *snapshot) Status() Status                     { return s.status }
func (s *snapshot) Resource() []attribute.KeyValue     { return s.resource }
func (s *snapshot) TracerName() string                 { return s.tracer }

type eventConfig struct {
	timestamp time.Time
	attrs     []attribute.KeyValue
}

// EventOption configures an event added via AddEvent.
type EventOption func(*eventConfig)

// WithEventTimestamp sets an explicit event time instead of the clock's now.
func WithEventTimestamp(t time.Time) EventOption {
	return func(c *eventConfig) { c.timestamp = t }
}

// WithEventAttributes attaches attributes to the event.
func WithEventAttributes(attrs ...attribute.KeyValue) EventOption {
	return func(c *eventConfig) { c.attrs = append(c.attrs, attrs...) }
}

type endConfig struct {
	timestamp time.Time
}

// EndOption configures how a span is sealed.
type EndOption func(*endConfig)

// WithEndTimestamp sets an explicit end time instead of the clock's now.
func WithEndTimestamp(t time.Time) EndOption {
	return func(c *endConfig) { c.timestamp = t }
}
