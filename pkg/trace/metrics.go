// MetricObserver derives span throughput, duration, and error metrics.
// Uses the OTel Metrics API to record measurements with tracer and span attributes.
package trace

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricObserver records derived metrics for each observed span.
type MetricObserver struct {
	started  metric.Int64Counter
	duration metric.Float64Histogram
	errors   metric.Int64Counter
}

// NewMetricObserver creates a MetricObserver backed by the given MeterProvider.
func NewMetricObserver(mp metric.MeterProvider) (*MetricObserver, error) {
	meter := mp.Meter("beacon")

	started, err := meter.Int64Counter("beacon.span.count",
		metric.WithDescription("Number of spans started"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram("beacon.span.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Duration of sealed spans in milliseconds"),
	)
	if err != nil {
		return nil, err
	}

	errors, err := meter.Int64Counter("beacon.span.errors",
		metric.WithDescription("Number of spans sealed with error status"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricObserver{started: started, duration: duration, errors: errors}, nil
}

// OnStart counts a span start.
func (m *MetricObserver) OnStart(info SpanInfo) {
	m.started.Add(context.Background(), 1, metric.WithAttributes(m.attrs(info)...))
}

// OnEnd records duration and error measurements for a sealed span.
func (m *MetricObserver) OnEnd(info SpanInfo) {
	attrs := metric.WithAttributes(m.attrs(info)...)
	m.duration.Record(context.Background(), float64(info.Duration.Milliseconds()), attrs)
	if info.IsError {
		m.errors.Add(context.Background(), 1, attrs)
	}
}

func (m *MetricObserver) attrs(info SpanInfo) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("tracer", info.Tracer),
		attribute.String("span.name", info.Name),
		attribute.String("span.kind", info.Kind.String()),
	}
}
