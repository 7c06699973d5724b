// Fanout combinator delivering every batch to several sinks
package export

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/andrewh/beacon/pkg/trace"
)

// Multi exports each batch to all configured sinks concurrently. A failing
// sink never stops delivery to the others; per-sink failures are joined into
// the returned error.
type Multi struct {
	exporters []trace.SpanExporter
}

// NewMulti builds a fanout over the given exporters. Order is preserved for
// error reporting only; delivery is concurrent.
func NewMulti(exporters ...trace.SpanExporter) *Multi {
	return &Multi{exporters: exporters}
}

// ExportSpans sends the batch to every sink and waits for all of them.
func (m *Multi) ExportSpans(ctx context.Context, spans []trace.ReadOnlySpan) error {
	return m.fanout(func(e trace.SpanExporter) error {
		return e.ExportSpans(ctx, spans)
	})
}

// Shutdown shuts every sink down, waiting for all of them.
func (m *Multi) Shutdown(ctx context.Context) error {
	return m.fanout(func(e trace.SpanExporter) error {
		return e.Shutdown(ctx)
	})
}

func (m *Multi) fanout(f func(trace.SpanExporter) error) error {
	// Indexed results, so no mutex: each goroutine owns one slot.
	errs := make([]error, len(m.exporters))
	var g errgroup.Group
	for i, e := range m.exporters {
		g.Go(func() error {
			if err := f(e); err != nil {
				errs[i] = fmt.Errorf("exporter %d: %w", i, err)
			}
			return nil
		})
	}
	_ = g.Wait() // closures never return errors, failures land in errs
	return errors.Join(errs...)
}
