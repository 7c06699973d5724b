// Tests for document-load trace emission from timing payloads
package docload

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/andrewh/beacon/pkg/trace"
	"github.com/andrewh/beacon/pkg/trace/tracetest"
)

const testSeed = "00-ab42124a3c573678d4d8b21ba52df3bf-d21f7bc17caa5aba-01"

// newTestHook returns a started instrumentation wired to a deterministic
// recorder, both torn down on test cleanup.
func newTestHook(t *testing.T, opts ...Option) (*Instrumentation, *tracetest.Recorder) {
	t.Helper()
	rec := tracetest.NewRecorder()
	hook := New(opts...)
	require.NoError(t, hook.Start(context.Background(), rec.Provider))
	t.Cleanup(func() {
		require.NoError(t, hook.Stop(context.Background()))
		require.NoError(t, rec.Shutdown(context.Background()))
	})
	return hook, rec
}

func findSpan(t *testing.T, spans []trace.ReadOnlySpan, name string) trace.ReadOnlySpan {
	t.Helper()
	for _, s := range spans {
		if s.Name() == name {
			return s
		}
	}
	t.Fatalf("no span named %q among %d spans", name, len(spans))
	return nil
}

func attrMap(attrs []attribute.KeyValue) map[string]attribute.Value {
	m := make(map[string]attribute.Value, len(attrs))
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value
	}
	return m
}

func TestRecordSeededTrace(t *testing.T) {
	t.Parallel()
	hook, rec := newTestHook(t)

	p := testPayload()
	p.Traceparent = testSeed
	sum, err := hook.Record(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "ab42124a3c573678d4d8b21ba52df3bf", sum.TraceID)

	spans := rec.Exporter.Spans()
	require.Len(t, spans, 3)
	for _, s := range spans {
		assert.Equal(t, "ab42124a3c573678d4d8b21ba52df3bf", s.SpanContext().TraceID().String(),
			"span %s must continue the seeded trace", s.Name())
		assert.True(t, s.SpanContext().IsSampled())
	}

	fetch := findSpan(t, spans, fetchSpanName)
	events := fetch.Events()
	require.Len(t, events, 8)
	want := []string{
		"fetchStart", "domainLookupStart", "domainLookupEnd",
		"connectStart", "connectEnd", "requestStart",
		"responseStart", "responseEnd",
	}
	for i, ev := range events {
		assert.Equal(t, want[i], ev.Name)
	}

	root := findSpan(t, spans, rootSpanName)
	assert.Equal(t, "d21f7bc17caa5aba", root.Parent().SpanID().String())
}

func TestRecordSpanTree(t *testing.T) {
	t.Parallel()
	hook, rec := newTestHook(t)

	sum, err := hook.Record(context.Background(), testPayload())
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Spans)
	assert.Equal(t, 1, sum.Resources)
	assert.Equal(t, 0, sum.SkippedResources)
	// 6 lifecycle milestones + 8 document phases + 8 resource phases
	assert.Equal(t, 22, sum.Events)

	spans := rec.Exporter.Spans()
	require.Len(t, spans, 3)

	root := findSpan(t, spans, rootSpanName)
	fetch := findSpan(t, spans, fetchSpanName)
	res := findSpan(t, spans, resourceSpanName)

	assert.Equal(t, oteltrace.SpanKindInternal, root.SpanKind())
	assert.Equal(t, oteltrace.SpanKindClient, fetch.SpanKind())
	assert.Equal(t, oteltrace.SpanKindClient, res.SpanKind())

	rootID := root.SpanContext().SpanID()
	assert.Equal(t, rootID, fetch.Parent().SpanID())
	assert.Equal(t, rootID, res.Parent().SpanID())

	rootAttrs := attrMap(root.Attributes())
	assert.Equal(t, "https://shop.example/checkout", rootAttrs[attrURLFull].AsString())
	assert.Equal(t, "Mozilla/5.0 (test)", rootAttrs[attrUserAgent].AsString())
	assert.NotEmpty(t, rootAttrs[attrSessionID].AsString())

	resAttrs := attrMap(res.Attributes())
	assert.Equal(t, "https://shop.example/static/app.js", resAttrs[attrURLFull].AsString())
	assert.Equal(t, "script", resAttrs[attrInitiator].AsString())
	assert.Equal(t, int64(48213), resAttrs[attrResponseBytes].AsInt64())

	// children seal before the page span
	assert.Equal(t, rootSpanName, spans[len(spans)-1].Name())
}

func TestRecordUsesPayloadClock(t *testing.T) {
	t.Parallel()
	hook, rec := newTestHook(t)

	p := testPayload()
	_, err := hook.Record(context.Background(), p)
	require.NoError(t, err)

	spans := rec.Exporter.Spans()
	root := findSpan(t, spans, rootSpanName)
	fetch := findSpan(t, spans, fetchSpanName)

	nav := p.Navigation
	assert.True(t, root.StartTime().Equal(msTime(nav.FetchStart)))
	assert.True(t, root.EndTime().Equal(msTime(nav.LoadEventEnd)))
	assert.True(t, fetch.StartTime().Equal(msTime(nav.FetchStart)))
	assert.True(t, fetch.EndTime().Equal(msTime(nav.ResponseEnd)))
	assert.Equal(t, 710*time.Millisecond, root.EndTime().Sub(root.StartTime()))

	// host clock never leaks into payload-driven spans
	for _, s := range spans {
		assert.False(t, s.StartTime().Equal(tracetest.BaseTime), "span %s timed by host clock", s.Name())
	}
}

func TestRecordPageEndFallsBackToLatestMilestone(t *testing.T) {
	t.Parallel()
	hook, rec := newTestHook(t)

	p := testPayload()
	p.Navigation.LoadEventStart = 0
	p.Navigation.LoadEventEnd = 0
	_, err := hook.Record(context.Background(), p)
	require.NoError(t, err)

	root := findSpan(t, rec.Exporter.Spans(), rootSpanName)
	assert.True(t, root.EndTime().Equal(msTime(p.Navigation.DOMComplete)))
}

func TestRecordMissingNavigation(t *testing.T) {
	t.Parallel()
	core, logs := observer.New(zapcore.WarnLevel)
	hook, rec := newTestHook(t, WithLogger(zap.New(core)))

	for _, p := range []*Payload{
		{URL: "https://x.example/"},
		{URL: "https://x.example/", Navigation: &Navigation{}},
	} {
		sum, err := hook.Record(context.Background(), p)
		require.NoError(t, err)
		assert.Zero(t, sum.Spans)
	}

	assert.Empty(t, rec.Exporter.Spans())
	assert.Equal(t, 2, logs.FilterMessage("payload has no usable navigation timing, producing no spans").Len())
}

func TestRecordSkipsMalformedResources(t *testing.T) {
	t.Parallel()
	core, logs := observer.New(zapcore.WarnLevel)
	hook, rec := newTestHook(t, WithLogger(zap.New(core)))

	p := testPayload()
	p.Resources = append(p.Resources,
		Resource{Phases: Phases{FetchStart: 1723800000300, ResponseEnd: 1723800000360}},
		Resource{Name: "https://x.example/late.css", Phases: Phases{FetchStart: 1723800000400, ResponseEnd: 1723800000100}},
	)
	sum, err := hook.Record(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Spans)
	assert.Equal(t, 1, sum.Resources)
	assert.Equal(t, 2, sum.SkippedResources)
	assert.Len(t, rec.Exporter.Spans(), 3)
	assert.Equal(t, 2, logs.FilterMessage("skipping malformed resource entry").Len())
}

func TestRecordCachedConnectionOmitsPhases(t *testing.T) {
	t.Parallel()
	hook, rec := newTestHook(t)

	p := testPayload()
	p.Resources = []Resource{{
		Name: "https://shop.example/cached.css",
		Phases: Phases{
			FetchStart:    1723800000300,
			RequestStart:  1723800000301,
			ResponseStart: 1723800000305,
			ResponseEnd:   1723800000307,
		},
	}}
	_, err := hook.Record(context.Background(), p)
	require.NoError(t, err)

	res := findSpan(t, rec.Exporter.Spans(), resourceSpanName)
	events := res.Events()
	require.Len(t, events, 4)
	assert.Equal(t, "fetchStart", events[0].Name)
	assert.Equal(t, "requestStart", events[1].Name)
	assert.Equal(t, "responseStart", events[2].Name)
	assert.Equal(t, "responseEnd", events[3].Name)
}

func TestRecordTraceparentOverride(t *testing.T) {
	t.Parallel()
	hook, rec := newTestHook(t, WithTraceparent(testSeed))

	p := testPayload()
	p.Traceparent = "00-ffffffffffffffffffffffffffffffff-eeeeeeeeeeeeeeee-01"
	sum, err := hook.Record(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "ab42124a3c573678d4d8b21ba52df3bf", sum.TraceID)
	for _, s := range rec.Exporter.Spans() {
		assert.Equal(t, "ab42124a3c573678d4d8b21ba52df3bf", s.SpanContext().TraceID().String())
	}
}

func TestRecordWithoutSeedStartsNewRoot(t *testing.T) {
	t.Parallel()
	hook, rec := newTestHook(t)

	sum, err := hook.Record(context.Background(), testPayload())
	require.NoError(t, err)
	assert.NotEmpty(t, sum.TraceID)

	root := findSpan(t, rec.Exporter.Spans(), rootSpanName)
	assert.False(t, root.Parent().IsValid())
	assert.True(t, root.SpanContext().HasTraceID())
}

func TestRecordCustomAttributes(t *testing.T) {
	t.Parallel()
	hook, rec := newTestHook(t)

	p := testPayload()
	p.Attributes = map[string]any{
		"app.version":    "1.2.3",
		"beacon.retries": 2.0,
		"beacon.ratio":   0.25,
		"beacon.debug":   true,
	}
	_, err := hook.Record(context.Background(), p)
	require.NoError(t, err)

	attrs := attrMap(findSpan(t, rec.Exporter.Spans(), rootSpanName).Attributes())
	assert.Equal(t, "1.2.3", attrs["app.version"].AsString())
	assert.Equal(t, int64(2), attrs["beacon.retries"].AsInt64())
	assert.Equal(t, 0.25, attrs["beacon.ratio"].AsFloat64())
	assert.True(t, attrs["beacon.debug"].AsBool())
}

func TestRecordKeepsPayloadSessionID(t *testing.T) {
	t.Parallel()
	hook, rec := newTestHook(t)

	p := testPayload()
	p.SessionID = "11111111-2222-3333-4444-555555555555"
	_, err := hook.Record(context.Background(), p)
	require.NoError(t, err)

	attrs := attrMap(findSpan(t, rec.Exporter.Spans(), rootSpanName).Attributes())
	assert.Equal(t, "11111111-2222-3333-4444-555555555555", attrs[attrSessionID].AsString())
}

func TestRecordWhileStopped(t *testing.T) {
	t.Parallel()
	rec := tracetest.NewRecorder()
	hook := New()

	_, err := hook.Record(context.Background(), testPayload())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not started")

	require.NoError(t, hook.Start(context.Background(), rec.Provider))
	require.NoError(t, hook.Stop(context.Background()))
	_, err = hook.Record(context.Background(), testPayload())
	require.Error(t, err)
}

func TestName(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "docload", New().Name())
}
