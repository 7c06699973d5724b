// Package tracetest provides an in-memory exporter for pipeline tests.
package tracetest

import (
	"context"
	"slices"
	"sync"

	"github.com/andrewh/beacon/pkg/trace"
)

// InMemoryExporter records every batch it receives. Safe for concurrent use.
// The zero value is ready to use.
type InMemoryExporter struct {
	mu      sync.Mutex
	batches [][]trace.ReadOnlySpan
	err     error
	stopped bool
}

// NewInMemoryExporter returns an empty exporter.
func NewInMemoryExporter() *InMemoryExporter {
	return &InMemoryExporter{}
}

// ExportSpans records the batch, or returns the injected error without
// recording anything.
func (e *InMemoryExporter) ExportSpans(_ context.Context, spans []trace.ReadOnlySpan) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.batches = append(e.batches, slices.Clone(spans))
	return nil
}

// Shutdown marks the exporter stopped. Recorded spans stay readable.
func (e *InMemoryExporter) Shutdown(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	return nil
}

// SetExportError makes subsequent ExportSpans calls fail with err.
// Pass nil to restore normal recording.
func (e *InMemoryExporter) SetExportError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

// Spans returns every recorded span in arrival order.
func (e *InMemoryExporter) Spans() []trace.ReadOnlySpan {
	e.mu.Lock()
	defer e.mu.Unlock()
	var all []trace.ReadOnlySpan
	for _, b := range e.batches {
		all = append(all, b...)
	}
	return all
}

// Batches returns the recorded batches, one slice per export call.
func (e *InMemoryExporter) Batches() [][]trace.ReadOnlySpan {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.batches)
}

// ExportCalls reports how many times ExportSpans recorded a batch.
func (e *InMemoryExporter) ExportCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.batches)
}

// Stopped reports whether Shutdown was called.
func (e *InMemoryExporter) Stopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// Reset clears recorded batches and any injected error.
func (e *InMemoryExporter) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.batches = nil
	e.err = nil
}
