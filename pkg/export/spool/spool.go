// Package spool is the offline sink: sealed spans are appended to a
// msgpack spool file that beacon drain later re-exports. Files become
// visible under their final name only on clean shutdown, so a crashed
// run never leaves a half-written spool for drain to trip over.
package spool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/andrewh/beacon/pkg/export"
	"github.com/andrewh/beacon/pkg/trace"
)

// Increment when the record format changes; readers refuse newer schemas.
const schemaVersion uint16 = 1

// suffix marks finished spool files; in-progress ones keep their temp name.
const suffix = ".spool"

type spanRecord struct {
	Schema     uint16        `msgpack:"v"`
	TraceID    []byte        `msgpack:"tid"`
	SpanID     []byte        `msgpack:"sid"`
	ParentID   []byte        `msgpack:"pid,omitempty"`
	Flags      uint8         `msgpack:"fl"`
	Name       string        `msgpack:"n"`
	Kind       int           `msgpack:"k"`
	Tracer     string        `msgpack:"tr"`
	Start      time.Time     `msgpack:"st"`
	End        time.Time     `msgpack:"en"`
	Attrs      []attrRecord  `msgpack:"at,omitempty"`
	Resource   []attrRecord  `msgpack:"rs,omitempty"`
	Events     []eventRecord `msgpack:"ev,omitempty"`
	StatusCode int           `msgpack:"sc"`
	StatusDesc string        `msgpack:"sd,omitempty"`
}

type eventRecord struct {
	Name  string       `msgpack:"n"`
	Time  time.Time    `msgpack:"t"`
	Attrs []attrRecord `msgpack:"at,omitempty"`
}

// attrRecord stores one attribute with its type tag so decoding restores
// the exact value kind.
type attrRecord struct {
	Key     string    `msgpack:"k"`
	Type    int       `msgpack:"t"`
	Str     string    `msgpack:"s,omitempty"`
	Int     int64     `msgpack:"i,omitempty"`
	Float   float64   `msgpack:"f,omitempty"`
	Bool    bool      `msgpack:"b,omitempty"`
	Strings []string  `msgpack:"ss,omitempty"`
	Ints    []int64   `msgpack:"is,omitempty"`
	Floats  []float64 `msgpack:"fs,omitempty"`
	Bools   []bool    `msgpack:"bs,omitempty"`
}

// Exporter appends sealed spans to one spool file per run.
type Exporter struct {
	mu      sync.Mutex
	tmp     *os.File
	enc     *msgpack.Encoder
	final   string
	log     *zap.Logger
	count   int
	stopped bool
}

// Option configures the exporter.
type Option func(*Exporter)

// WithLogger sets the operational log sink.
func WithLogger(log *zap.Logger) Option {
	return func(e *Exporter) { e.log = log }
}

// New opens a spool in dir, creating it if needed. The file is written
// under a temp name and renamed to beacon-<uuid>.spool on Shutdown.
func New(dir string, opts ...Option) (*Exporter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating spool dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".beacon-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("creating spool file: %w", err)
	}
	e := &Exporter{
		tmp:   tmp,
		enc:   msgpack.NewEncoder(tmp),
		final: filepath.Join(dir, "beacon-"+uuid.NewString()+suffix),
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// ExportSpans appends each span in batch order.
func (e *Exporter) ExportSpans(_ context.Context, spans []trace.ReadOnlySpan) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return fmt.Errorf("spool: %w", export.ErrStopped)
	}
	for _, s := range spans {
		if err := e.enc.Encode(toRecord(s)); err != nil {
			return fmt.Errorf("spooling span: %w", err)
		}
		e.count++
	}
	return nil
}

// Shutdown closes the spool and publishes it under its final name. An empty
// spool is deleted instead. Idempotent.
func (e *Exporter) Shutdown(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return nil
	}
	e.stopped = true

	if err := e.tmp.Close(); err != nil {
		return fmt.Errorf("closing spool: %w", err)
	}
	if e.count == 0 {
		return os.Remove(e.tmp.Name())
	}
	if err := os.Rename(e.tmp.Name(), e.final); err != nil {
		return fmt.Errorf("publishing spool: %w", err)
	}
	e.log.Info("spool published",
		zap.String("path", e.final),
		zap.Int("spans", e.count))
	return nil
}

// Path is the name the spool will appear under after Shutdown.
func (e *Exporter) Path() string { return e.final }

func toRecord(s trace.ReadOnlySpan) spanRecord {
	sc := s.SpanContext()
	tid := sc.TraceID()
	sid := sc.SpanID()

	rec := spanRecord{
		Schema:     schemaVersion,
		TraceID:    tid[:],
		SpanID:     sid[:],
		Flags:      uint8(sc.TraceFlags()),
		Name:       s.Name(),
		Kind:       int(s.SpanKind()),
		Tracer:     s.TracerName(),
		Start:      s.StartTime(),
		End:        s.EndTime(),
		Attrs:      toAttrRecords(s.Attributes()),
		Resource:   toAttrRecords(s.Resource()),
		StatusCode: int(s.Status().Code),
		StatusDesc: s.Status().Description,
	}
	if s.Parent().IsValid() {
		pid := s.Parent().SpanID()
		rec.ParentID = pid[:]
	}
	for _, ev := range s.Events() {
		rec.Events = append(rec.Events, eventRecord{
			Name:  ev.Name,
			Time:  ev.Time,
			Attrs: toAttrRecords(ev.Attributes),
		})
	}
	return rec
}

func toAttrRecords(attrs []attribute.KeyValue) []attrRecord {
	if len(attrs) == 0 {
		return nil
	}
	out := make([]attrRecord, 0, len(attrs))
	for _, kv := range attrs {
		rec := attrRecord{Key: string(kv.Key), Type: int(kv.Value.Type())}
		switch kv.Value.Type() {
		case attribute.BOOL:
			rec.Bool = kv.Value.AsBool()
		case attribute.INT64:
			rec.Int = kv.Value.AsInt64()
		case attribute.FLOAT64:
			rec.Float = kv.Value.AsFloat64()
		case attribute.BOOLSLICE:
			rec.Bools = kv.Value.AsBoolSlice()
		case attribute.INT64SLICE:
			rec.Ints = kv.Value.AsInt64Slice()
		case attribute.FLOAT64SLICE:
			rec.Floats = kv.Value.AsFloat64Slice()
		case attribute.STRINGSLICE:
			rec.Strings = kv.Value.AsStringSlice()
		default:
			rec.Str = kv.Value.AsString()
		}
		out = append(out, rec)
	}
	return out
}

func fromAttrRecords(recs []attrRecord) []attribute.KeyValue {
	if len(recs) == 0 {
		return nil
	}
	out := make([]attribute.KeyValue, 0, len(recs))
	for _, rec := range recs {
		key := attribute.Key(rec.Key)
		var kv attribute.KeyValue
		switch attribute.Type(rec.Type) {
		case attribute.BOOL:
			kv = key.Bool(rec.Bool)
		case attribute.INT64:
			kv = key.Int64(rec.Int)
		case attribute.FLOAT64:
			kv = key.Float64(rec.Float)
		case attribute.BOOLSLICE:
			kv = key.BoolSlice(rec.Bools)
		case attribute.INT64SLICE:
			kv = key.Int64Slice(rec.Ints)
		case attribute.FLOAT64SLICE:
			kv = key.Float64Slice(rec.Floats)
		case attribute.STRINGSLICE:
			kv = key.StringSlice(rec.Strings)
		default:
			kv = key.String(rec.Str)
		}
		out = append(out, kv)
	}
	return out
}
