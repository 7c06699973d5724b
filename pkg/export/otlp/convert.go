// Conversion of sealed spans to the OTLP protobuf wire form
package otlp

import (
	"maps"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"

	"github.com/andrewh/beacon/pkg/trace"
)

// toResourceSpans groups a batch under one resource, with one scope per
// tracer name. Scope order is sorted for deterministic output.
func toResourceSpans(spans []trace.ReadOnlySpan) []*tracepb.ResourceSpans {
	if len(spans) == 0 {
		return nil
	}

	byScope := make(map[string][]*tracepb.Span)
	for _, s := range spans {
		byScope[s.TracerName()] = append(byScope[s.TracerName()], toSpan(s))
	}

	names := slices.Sorted(maps.Keys(byScope))
	scopes := make([]*tracepb.ScopeSpans, 0, len(names))
	for _, name := range names {
		scopes = append(scopes, &tracepb.ScopeSpans{
			Scope: &commonpb.InstrumentationScope{Name: name},
			Spans: byScope[name],
		})
	}

	return []*tracepb.ResourceSpans{{
		Resource:   &resourcepb.Resource{Attributes: toKeyValues(spans[0].Resource())},
		ScopeSpans: scopes,
	}}
}

func toSpan(s trace.ReadOnlySpan) *tracepb.Span {
	sc := s.SpanContext()
	tid := sc.TraceID()
	sid := sc.SpanID()

	span := &tracepb.Span{
		TraceId: tid[:],
		SpanId:  sid[:],
		Name:    s.Name(),
		// SpanKind numbering is identical to the proto enum.
		Kind:              tracepb.Span_SpanKind(s.SpanKind()),
		StartTimeUnixNano: uint64(s.StartTime().UnixNano()), //nolint:gosec // span timestamps are always after the epoch
		EndTimeUnixNano:   uint64(s.EndTime().UnixNano()),   //nolint:gosec // span timestamps are always after the epoch
		Attributes:        toKeyValues(s.Attributes()),
		Events:            toEvents(s.Events()),
		Status:            toStatus(s.Status()),
	}
	if s.Parent().IsValid() {
		pid := s.Parent().SpanID()
		span.ParentSpanId = pid[:]
	}
	return span
}

func toEvents(events []trace.Event) []*tracepb.Span_Event {
	if len(events) == 0 {
		return nil
	}
	out := make([]*tracepb.Span_Event, 0, len(events))
	for _, e := range events {
		out = append(out, &tracepb.Span_Event{
			TimeUnixNano: uint64(e.Time.UnixNano()), //nolint:gosec // event timestamps are always after the epoch
			Name:         e.Name,
			Attributes:   toKeyValues(e.Attributes),
		})
	}
	return out
}

// toStatus maps the engine status codes onto the proto enum, whose numbering
// differs (proto swaps Ok and Error).
func toStatus(st trace.Status) *tracepb.Status {
	out := &tracepb.Status{}
	switch st.Code {
	case codes.Ok:
		out.Code = tracepb.Status_STATUS_CODE_OK
	case codes.Error:
		out.Code = tracepb.Status_STATUS_CODE_ERROR
		out.Message = st.Description
	default:
		out.Code = tracepb.Status_STATUS_CODE_UNSET
	}
	return out
}

func toKeyValues(attrs []attribute.KeyValue) []*commonpb.KeyValue {
	if len(attrs) == 0 {
		return nil
	}
	out := make([]*commonpb.KeyValue, 0, len(attrs))
	for _, kv := range attrs {
		out = append(out, &commonpb.KeyValue{
			Key:   string(kv.Key),
			Value: toAnyValue(kv.Value),
		})
	}
	return out
}

func toAnyValue(v attribute.Value) *commonpb.AnyValue {
	switch v.Type() {
	case attribute.BOOL:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: v.AsBool()}}
	case attribute.INT64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: v.AsInt64()}}
	case attribute.FLOAT64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: v.AsFloat64()}}
	case attribute.BOOLSLICE:
		vals := v.AsBoolSlice()
		arr := make([]*commonpb.AnyValue, 0, len(vals))
		for _, b := range vals {
			arr = append(arr, &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: b}})
		}
		return arrayValue(arr)
	case attribute.INT64SLICE:
		vals := v.AsInt64Slice()
		arr := make([]*commonpb.AnyValue, 0, len(vals))
		for _, i := range vals {
			arr = append(arr, &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: i}})
		}
		return arrayValue(arr)
	case attribute.FLOAT64SLICE:
		vals := v.AsFloat64Slice()
		arr := make([]*commonpb.AnyValue, 0, len(vals))
		for _, f := range vals {
			arr = append(arr, &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: f}})
		}
		return arrayValue(arr)
	case attribute.STRINGSLICE:
		vals := v.AsStringSlice()
		arr := make([]*commonpb.AnyValue, 0, len(vals))
		for _, s := range vals {
			arr = append(arr, &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: s}})
		}
		return arrayValue(arr)
	default:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v.AsString()}}
	}
}

func arrayValue(vals []*commonpb.AnyValue) *commonpb.AnyValue {
	return &commonpb.AnyValue{Value: &commonpb.AnyValue_ArrayValue{
		ArrayValue: &commonpb.ArrayValue{Values: vals},
	}}
}
