// Batching span processor: bounded queue, single worker, size and time flush
// Exports happen on the worker goroutine; the recorder is never blocked
package trace

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/clockz"
	"go.uber.org/zap"
)

const (
	// DefaultBatchSize is the span count that triggers a flush.
	DefaultBatchSize = 128
	// DefaultFlushInterval is the time-based flush period.
	DefaultFlushInterval = 2 * time.Second
	// DefaultQueueSize bounds spans waiting for the worker. Arrivals beyond
	// it are dropped and counted.
	DefaultQueueSize = 1024
)

// BatchProcessor buffers sealed spans and flushes them to the exporter when
// the batch reaches its size limit, when the flush interval elapses, on
// ForceFlush, and on Shutdown. Only the worker goroutine touches the buffer.
type BatchProcessor struct {
	exporter      SpanExporter
	batchSize     int
	interval      time.Duration
	exportTimeout time.Duration
	clock         clockz.Clock
	log           *zap.Logger

	queue    chan ReadOnlySpan
	flushCh  chan chan struct{}
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
	stopped  atomic.Bool
	dropped  atomic.Int64
}

// BatchOption configures a BatchProcessor.
type BatchOption func(*BatchProcessor)

// WithBatchSize sets the span count per export call. Values below 1 are raised to 1.
func WithBatchSize(n int) BatchOption {
	return func(b *BatchProcessor) { b.batchSize = n }
}

// WithFlushInterval sets the time-based flush period.
func WithFlushInterval(d time.Duration) BatchOption {
	return func(b *BatchProcessor) { b.interval = d }
}

// WithQueueSize bounds the number of spans waiting for the worker.
func WithQueueSize(n int) BatchOption {
	return func(b *BatchProcessor) { b.queue = make(chan ReadOnlySpan, n) }
}

// WithExportTimeout bounds each export call made by the worker.
func WithExportTimeout(d time.Duration) BatchOption {
	return func(b *BatchProcessor) { b.exportTimeout = d }
}

// WithBatchClock injects the clock driving the flush interval.
func WithBatchClock(c clockz.Clock) BatchOption {
	return func(b *BatchProcessor) { b.clock = c }
}

// WithBatchLogger sets the operational log sink.
func WithBatchLogger(log *zap.Logger) BatchOption {
	return func(b *BatchProcessor) { b.log = log }
}

// NewBatchProcessor creates a batching processor over exporter and starts
// its worker.
func NewBatchProcessor(exporter SpanExporter, opts ...BatchOption) *BatchProcessor {
	b := &BatchProcessor{
		exporter:      exporter,
		batchSize:     DefaultBatchSize,
		interval:      DefaultFlushInterval,
		exportTimeout: defaultExportTimeout,
		flushCh:       make(chan chan struct{}),
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.batchSize = max(b.batchSize, 1)
	if b.interval <= 0 {
		b.interval = DefaultFlushInterval
	}
	if b.exportTimeout <= 0 {
		b.exportTimeout = defaultExportTimeout
	}
	if b.clock == nil {
		b.clock = clockz.RealClock
	}
	if b.log == nil {
		b.log = zap.NewNop()
	}
	if b.queue == nil {
		b.queue = make(chan ReadOnlySpan, DefaultQueueSize)
	}

	go b.worker()
	return b
}

// OnEnd enqueues the span without blocking. A full queue drops the span,
// counts it, and warns.
func (b *BatchProcessor) OnEnd(s ReadOnlySpan) {
	if b.stopped.Load() {
		n := b.dropped.Add(1)
		b.log.Warn("span dropped after processor shutdown",
			zap.String("span", s.Name()), zap.Int64("dropped_total", n))
		return
	}
	select {
	case b.queue <- s:
	default:
		n := b.dropped.Add(1)
		b.log.Warn("span queue full, dropping span",
			zap.String("span", s.Name()), zap.Int64("dropped_total", n))
	}
}

// ForceFlush drains the queue and exports everything pending.
func (b *BatchProcessor) ForceFlush(ctx context.Context) error {
	if b.stopped.Load() {
		return ErrProcessorStopped
	}
	reply := make(chan struct{})
	select {
	case b.flushCh <- reply:
	case <-b.stopCh:
		return ErrProcessorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-reply:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown flushes pending spans, stops the worker, and shuts the exporter
// down. After the ctx deadline remaining spans are abandoned to the worker's
// export timeout. Repeated calls return nil.
func (b *BatchProcessor) Shutdown(ctx context.Context) error {
	var err error
	b.stopOnce.Do(func() {
		b.stopped.Store(true)
		close(b.stopCh)
		select {
		case <-b.done:
		case <-ctx.Done():
			err = ctx.Err()
			b.log.Warn("batch processor shutdown deadline exceeded, pending spans may be discarded",
				zap.Int("pending", len(b.queue)))
		}
		if sErr := b.exporter.Shutdown(ctx); sErr != nil && err == nil {
			err = sErr
		}
	})
	return err
}

// DroppedSpans reports how many spans were discarded due to a full queue or
// arrival after shutdown.
func (b *BatchProcessor) DroppedSpans() int64 {
	return b.dropped.Load()
}

func (b *BatchProcessor) worker() {
	defer close(b.done)
	batch := make([]ReadOnlySpan, 0, b.batchSize)
	timerC := b.clock.After(b.interval)

	for {
		select {
		case <-b.stopCh:
			b.drain(&batch)
			b.export(&batch)
			return
		case s := <-b.queue:
			batch = append(batch, s)
			if len(batch) >= b.batchSize {
				b.export(&batch)
				timerC = b.clock.After(b.interval)
			}
		case <-timerC:
			b.export(&batch)
			timerC = b.clock.After(b.interval)
		case reply := <-b.flushCh:
			b.drain(&batch)
			b.export(&batch)
			close(reply)
			timerC = b.clock.After(b.interval)
		}
	}
}

// drain moves everything queued into the batch, exporting full chunks as
// they fill. Runs on the worker goroutine only.
func (b *BatchProcessor) drain(batch *[]ReadOnlySpan) {
	for {
		select {
		case s := <-b.queue:
			*batch = append(*batch, s)
			if len(*batch) >= b.batchSize {
				b.export(batch)
			}
		default:
			return
		}
	}
}

// export sends the current batch and resets it. Failures are logged only.
func (b *BatchProcessor) export(batch *[]ReadOnlySpan) {
	if len(*batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.exportTimeout)
	defer cancel()
	if err := b.exporter.ExportSpans(ctx, slices.Clone(*batch)); err != nil {
		b.log.Error("exporting span batch",
			zap.Int("spans", len(*batch)), zap.Error(err))
	}
	*batch = (*batch)[:0]
}
