// Package export hosts span exporter implementations and combinators.
// The exporter contract itself is trace.SpanExporter, declared next to the
// processors that consume it.
package export

import "errors"

// ErrStopped reports an export attempted after the exporter shut down.
var ErrStopped = errors.New("exporter stopped")
