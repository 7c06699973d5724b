// Tests for span lifecycle: sealing, idempotent End, and timestamp invariants
// Covers mutation-after-seal behaviour and event/status recording
package trace

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var testBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// newTestProvider wires a provider to a capture exporter with a fake clock
// and deterministic IDs.
func newTestProvider(t *testing.T, opts ...ProviderOption) (*Provider, *captureExporter, *clockz.FakeClock) {
	t.Helper()
	exp := &captureExporter{}
	clock := clockz.NewFakeClockAt(testBase)
	base := []ProviderOption{
		WithSpanProcessor(NewSimpleProcessor(exp)),
		WithClock(clock),
		WithIDGenerator(NewSeededIDGenerator(42)),
	}
	p := NewProvider(append(base, opts...)...)
	t.Cleanup(func() {
		_ = p.Shutdown(t.Context())
	})
	return p, exp, clock
}

func TestSpanEndSealsSpan(t *testing.T) {
	t.Parallel()
	p, exp, clock := newTestProvider(t)

	_, span := p.Tracer("test").Start(t.Context(), "load")
	span.SetAttributes(attribute.String("page.url", "https://example.com"))
	clock.Advance(150 * time.Millisecond)
	span.End()

	spans := exp.spans()
	require.Len(t, spans, 1)
	got := spans[0]
	assert.Equal(t, "load", got.Name())
	assert.False(t, got.EndTime().Before(got.StartTime()), "end must not precede start")
	assert.Equal(t, 150*time.Millisecond, got.EndTime().Sub(got.StartTime()))
	require.Len(t, got.Attributes(), 1)
	assert.Equal(t, attribute.String("page.url", "https://example.com"), got.Attributes()[0])

	// Sealed: mutations are ignored and nothing re-exports.
	span.SetAttributes(attribute.Bool("late", true))
	span.SetStatus(codes.Error, "late failure")
	span.AddEvent("late-event")
	assert.Len(t, exp.spans(), 1)
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
}

func TestSpanDoubleEndKeepsFirstTimestamp(t *testing.T) {
	t.Parallel()
	core, logs := observer.New(zapcore.WarnLevel)
	p, exp, clock := newTestProvider(t, WithLogger(zap.New(core)))

	_, span := p.Tracer("test").Start(t.Context(), "once")
	clock.Advance(10 * time.Millisecond)
	span.End()
	firstEnd := exp.spans()[0].EndTime()

	clock.Advance(time.Hour)
	span.End()

	require.Len(t, exp.spans(), 1, "second End must not export a duplicate")
	assert.Equal(t, firstEnd, exp.spans()[0].EndTime())
	assert.Equal(t, 1, logs.FilterMessage("span already ended").Len())
}

func TestSpanEndClampsToStart(t *testing.T) {
	t.Parallel()
	p, exp, _ := newTestProvider(t)

	start := testBase.Add(time.Minute)
	_, span := p.Tracer("test").Start(t.Context(), "clamped", WithTimestamp(start))
	span.End(WithEndTimestamp(start.Add(-time.Second)))

	got := exp.spans()[0]
	assert.Equal(t, start, got.StartTime())
	assert.Equal(t, start, got.EndTime())
}

func TestSpanAddEvent(t *testing.T) {
	t.Parallel()
	p, exp, clock := newTestProvider(t)

	_, span := p.Tracer("test").Start(t.Context(), "events")
	explicit := testBase.Add(5 * time.Millisecond)
	span.AddEvent("fetchStart", WithEventTimestamp(explicit))
	clock.Advance(20 * time.Millisecond)
	span.AddEvent("responseEnd", WithEventAttributes(attribute.Int("http.response.size", 512)))
	span.End()

	events := exp.spans()[0].Events()
	require.Len(t, events, 2)
	assert.Equal(t, "fetchStart", events[0].Name)
	assert.Equal(t, explicit, events[0].Time)
	assert.Equal(t, "responseEnd", events[1].Name)
	assert.Equal(t, testBase.Add(20*time.Millisecond), events[1].Time)
	require.Len(t, events[1].Attributes, 1)
	assert.Equal(t, attribute.Int("http.response.size", 512), events[1].Attributes[0])
}

func TestSpanSetStatus(t *testing.T) {
	t.Parallel()
	p, exp, _ := newTestProvider(t)

	t.Run("error keeps description", func(t *testing.T) {
		_, span := p.Tracer("test").Start(t.Context(), "err")
		span.SetStatus(codes.Error, "connection reset")
		span.End()
		st := exp.spans()[len(exp.spans())-1].Status()
		assert.Equal(t, codes.Error, st.Code)
		assert.Equal(t, "connection reset", st.Description)
	})

	t.Run("ok drops description", func(t *testing.T) {
		_, span := p.Tracer("test").Start(t.Context(), "ok")
		span.SetStatus(codes.Ok, "ignored")
		span.End()
		st := exp.spans()[len(exp.spans())-1].Status()
		assert.Equal(t, codes.Ok, st.Code)
		assert.Empty(t, st.Description)
	})
}

func TestSpanRecordError(t *testing.T) {
	t.Parallel()
	p, exp, _ := newTestProvider(t)

	_, span := p.Tracer("test").Start(t.Context(), "boom")
	span.RecordError(assert.AnError)
	span.RecordError(nil)
	span.End()

	events := exp.spans()[0].Events()
	require.Len(t, events, 1)
	assert.Equal(t, "exception", events[0].Name)
	require.Len(t, events[0].Attributes, 1)
	assert.Equal(t, "exception.message", string(events[0].Attributes[0].Key))
}

func TestSpanIsRecording(t *testing.T) {
	t.Parallel()
	p, _, _ := newTestProvider(t)

	_, span := p.Tracer("test").Start(t.Context(), "live")
	assert.True(t, span.IsRecording())
	span.End()
	assert.False(t, span.IsRecording())

	off := NewProvider(WithSampler(AlwaysOff()))
	_, unsampled := off.Tracer("test").Start(t.Context(), "dark")
	assert.False(t, unsampled.IsRecording())
	assert.True(t, unsampled.SpanContext().IsValid(), "unsampled spans still carry identity")
}
