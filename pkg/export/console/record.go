// Console record codec: the JSON shape sealed spans take on the console sink
// One object per span; parse reads the stream back for round-trip checks
package console

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/andrewh/beacon/pkg/trace"
)

// Record is one exported span. Timestamp and Duration are microseconds;
// event times are [seconds, nanoseconds] pairs.
type Record struct {
	TraceID    string         `json:"traceId"`
	ParentID   string         `json:"parentId,omitempty"`
	Name       string         `json:"name"`
	ID         string         `json:"id"`
	Kind       int            `json:"kind"`
	Timestamp  int64          `json:"timestamp"`
	Duration   int64          `json:"duration"`
	Attributes map[string]any `json:"attributes"`
	Status     Status         `json:"status"`
	Events     []Event        `json:"events"`
}

// Status carries the span outcome code and, for errors, a description.
type Status struct {
	Code        int    `json:"code"`
	Description string `json:"description,omitempty"`
}

// Event is a timed annotation on the span.
type Event struct {
	Name       string         `json:"name"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Time       [2]int64       `json:"time"`
}

// Start is the span start as wall-clock time.
func (r Record) Start() time.Time { return time.UnixMicro(r.Timestamp) }

// End is the span end derived from start plus duration.
func (r Record) End() time.Time { return time.UnixMicro(r.Timestamp + r.Duration) }

// At is the event time as wall-clock time.
func (e Event) At() time.Time { return time.Unix(e.Time[0], e.Time[1]) }

// ToRecord converts a sealed span to its console record.
func ToRecord(s trace.ReadOnlySpan) Record {
	events := make([]Event, 0, len(s.Events()))
	for _, e := range s.Events() {
		var attrs map[string]any
		if len(e.Attributes) > 0 {
			attrs = attrsToMap(e.Attributes)
		}
		events = append(events, Event{
			Name:       e.Name,
			Attributes: attrs,
			Time:       [2]int64{e.Time.Unix(), int64(e.Time.Nanosecond())},
		})
	}

	rec := Record{
		TraceID:    s.SpanContext().TraceID().String(),
		Name:       s.Name(),
		ID:         s.SpanContext().SpanID().String(),
		Kind:       int(s.SpanKind()),
		Timestamp:  s.StartTime().UnixMicro(),
		Duration:   s.EndTime().Sub(s.StartTime()).Microseconds(),
		Attributes: attrsToMap(s.Attributes()),
		Status: Status{
			Code:        int(s.Status().Code),
			Description: s.Status().Description,
		},
		Events: events,
	}
	if s.Parent().IsValid() {
		rec.ParentID = s.Parent().SpanID().String()
	}
	return rec
}

// Parse reads a stream of console records, compact or pretty-printed.
func Parse(r io.Reader) ([]Record, error) {
	dec := json.NewDecoder(r)
	var records []Record
	for i := 1; ; i++ {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return records, nil
			}
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		records = append(records, rec)
	}
}

func attrsToMap(attrs []attribute.KeyValue) map[string]any {
	m := make(map[string]any, len(attrs))
	for _, kv := range attrs {
		m[string(kv.Key)] = kv.Value.AsInterface()
	}
	return m
}
