// Processor pipeline contracts and the immediate (pass-through) processor
// Processors receive sealed spans and decide when exporters see them
package trace

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrProcessorStopped reports use of a processor after Shutdown.
var ErrProcessorStopped = errors.New("span processor is stopped")

// SpanProcessor receives sealed spans from the recorder. OnEnd must not
// block the caller; export failures stay inside the pipeline.
type SpanProcessor interface {
	OnEnd(s ReadOnlySpan)
	ForceFlush(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// SpanExporter serializes batches of sealed spans to a sink. ExportSpans
// returns once the batch is delivered or definitively failed; retry policy
// belongs to the exporter. Shutdown releases transport resources.
type SpanExporter interface {
	ExportSpans(ctx context.Context, spans []ReadOnlySpan) error
	Shutdown(ctx context.Context) error
}

const defaultExportTimeout = 30 * time.Second

// SimpleProcessor forwards each span to the exporter as it ends. Suited to
// interactive sinks like the console, where batching only delays output.
type SimpleProcessor struct {
	exporter SpanExporter
	timeout  time.Duration
	log      *zap.Logger

	mu      sync.Mutex
	stopped bool
}

// SimpleOption configures a SimpleProcessor.
type SimpleOption func(*SimpleProcessor)

// WithSimpleExportTimeout bounds each synchronous export call.
func WithSimpleExportTimeout(d time.Duration) SimpleOption {
	return func(p *SimpleProcessor) { p.timeout = d }
}

// WithSimpleLogger sets the operational log sink.
func WithSimpleLogger(log *zap.Logger) SimpleOption {
	return func(p *SimpleProcessor) { p.log = log }
}

// NewSimpleProcessor creates an immediate processor over exporter.
func NewSimpleProcessor(exporter SpanExporter, opts ...SimpleOption) *SimpleProcessor {
	p := &SimpleProcessor{
		exporter: exporter,
		timeout:  defaultExportTimeout,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// OnEnd exports the span synchronously. Failures are logged, never returned:
// the recorder cannot observe export problems.
func (p *SimpleProcessor) OnEnd(s ReadOnlySpan) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		p.log.Warn("span dropped after processor shutdown", zap.String("span", s.Name()))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.exporter.ExportSpans(ctx, []ReadOnlySpan{s}); err != nil {
		p.log.Error("exporting span", zap.String("span", s.Name()), zap.Error(err))
	}
}

// ForceFlush is a no-op: nothing buffers.
func (p *SimpleProcessor) ForceFlush(context.Context) error { return nil }

// Shutdown stops the processor and shuts the exporter down. Idempotent.
func (p *SimpleProcessor) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.mu.Unlock()
	return p.exporter.Shutdown(ctx)
}
