// Console exporter writing one JSON record per sealed span
package console

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/andrewh/beacon/pkg/export"
	"github.com/andrewh/beacon/pkg/trace"
)

// Exporter serializes sealed spans to a writer as console records.
// Safe for concurrent use; records from one batch are never interleaved
// with another's.
type Exporter struct {
	mu      sync.Mutex
	enc     *json.Encoder
	stopped bool
}

// Option configures the exporter.
type Option func(*config)

type config struct {
	w      io.Writer
	pretty bool
}

// WithWriter directs records to w instead of stdout.
func WithWriter(w io.Writer) Option {
	return func(c *config) { c.w = w }
}

// WithPrettyPrint indents each record for human reading. Parse accepts
// both forms.
func WithPrettyPrint() Option {
	return func(c *config) { c.pretty = true }
}

// New builds a console exporter writing to stdout unless redirected.
func New(opts ...Option) *Exporter {
	cfg := config{w: os.Stdout}
	for _, opt := range opts {
		opt(&cfg)
	}
	enc := json.NewEncoder(cfg.w)
	if cfg.pretty {
		enc.SetIndent("", "\t")
	}
	return &Exporter{enc: enc}
}

// ExportSpans writes one record per span in batch order.
func (e *Exporter) ExportSpans(ctx context.Context, spans []trace.ReadOnlySpan) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped {
		return fmt.Errorf("console: %w", export.ErrStopped)
	}
	for _, s := range spans {
		if err := e.enc.Encode(ToRecord(s)); err != nil {
			return fmt.Errorf("encoding span record: %w", err)
		}
	}
	return nil
}

// Shutdown stops the exporter. Idempotent; the writer is not closed since
// the exporter does not own it.
func (e *Exporter) Shutdown(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	return nil
}
