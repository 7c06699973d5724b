// reading spooled spans back for re-export
package spool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/andrewh/beacon/pkg/trace"
)

// storedSpan replays a decoded record through the ReadOnlySpan interface.
type storedSpan struct {
	rec      spanRecord
	sc       oteltrace.SpanContext
	parent   oteltrace.SpanContext
	attrs    []attribute.KeyValue
	resource []attribute.KeyValue
	events   []trace.Event
}

func (s *storedSpan) Name() string                       { return s.rec.Name }
func (s *storedSpan) SpanContext() oteltrace.SpanContext { return s.sc }
func (s *storedSpan) Parent() oteltrace.SpanContext      { return s.parent }
func (s *storedSpan) SpanKind() oteltrace.SpanKind       { return oteltrace.SpanKind(s.rec.Kind) }
func (s *storedSpan) StartTime() time.Time               { return s.rec.Start }
func (s *storedSpan) EndTime() time.Time                 { return s.rec.End }
func (s *storedSpan) Attributes() []attribute.KeyValue   { return s.attrs }
func (s *storedSpan) Events() []trace.Event              { return s.events }
func (s *storedSpan) Resource() []attribute.KeyValue     { return s.resource }
func (s *storedSpan) TracerName() string                 { return s.rec.Tracer }

func (s *storedSpan) Status() trace.Status {
	return trace.Status{
		Code:        codes.Code(s.rec.StatusCode),
		Description: s.rec.StatusDesc,
	}
}

func fromRecord(rec spanRecord) (trace.ReadOnlySpan, error) {
	if rec.Schema > schemaVersion {
		return nil, fmt.Errorf("unsupported spool schema %d, this build reads up to %d", rec.Schema, schemaVersion)
	}
	if len(rec.TraceID) != 16 {
		return nil, fmt.Errorf("malformed trace id, got %d bytes", len(rec.TraceID))
	}
	if len(rec.SpanID) != 8 {
		return nil, fmt.Errorf("malformed span id, got %d bytes", len(rec.SpanID))
	}

	tid := oteltrace.TraceID(rec.TraceID)
	s := &storedSpan{
		rec: rec,
		sc: oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
			TraceID:    tid,
			SpanID:     oteltrace.SpanID(rec.SpanID),
			TraceFlags: oteltrace.TraceFlags(rec.Flags),
		}),
		attrs:    fromAttrRecords(rec.Attrs),
		resource: fromAttrRecords(rec.Resource),
	}
	if len(rec.ParentID) == 8 {
		s.parent = oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
			TraceID:    tid,
			SpanID:     oteltrace.SpanID(rec.ParentID),
			TraceFlags: oteltrace.TraceFlags(rec.Flags),
		})
	}
	for _, ev := range rec.Events {
		s.events = append(s.events, trace.Event{
			Name:       ev.Name,
			Time:       ev.Time,
			Attributes: fromAttrRecords(ev.Attrs),
		})
	}
	return s, nil
}

// ReadFile decodes every span in one spool file, preserving write order.
func ReadFile(path string) ([]trace.ReadOnlySpan, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening spool: %w", err)
	}
	defer f.Close()

	var spans []trace.ReadOnlySpan
	dec := msgpack.NewDecoder(f)
	for i := 1; ; i++ {
		var rec spanRecord
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return spans, nil
			}
			return nil, fmt.Errorf("record %d in %s: %w", i, filepath.Base(path), err)
		}
		s, err := fromRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("record %d in %s: %w", i, filepath.Base(path), err)
		}
		spans = append(spans, s)
	}
}

// List returns the finished spool files in dir, sorted by name. Temp files
// from interrupted runs are skipped.
func List(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*"+suffix))
	if err != nil {
		return nil, fmt.Errorf("listing spool dir: %w", err)
	}
	sort.Strings(matches)
	return matches, nil
}

// Drain re-exports every spool file in dir through exp, removing each file
// once its spans are delivered. It stops at the first failure so the
// remaining files survive for another attempt. Returns the number of spans
// drained.
func Drain(ctx context.Context, dir string, exp trace.SpanExporter, log *zap.Logger) (int, error) {
	files, err := List(dir)
	if err != nil {
		return 0, err
	}

	drained := 0
	for _, path := range files {
		spans, err := ReadFile(path)
		if err != nil {
			return drained, err
		}
		if len(spans) > 0 {
			if err := exp.ExportSpans(ctx, spans); err != nil {
				return drained, fmt.Errorf("re-exporting %s: %w", filepath.Base(path), err)
			}
		}
		if err := os.Remove(path); err != nil {
			return drained, fmt.Errorf("removing drained spool: %w", err)
		}
		drained += len(spans)
		log.Info("spool drained",
			zap.String("path", path),
			zap.Int("spans", len(spans)))
	}
	return drained, nil
}
