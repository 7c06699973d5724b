// Package otlp exports sealed spans to an OTLP collector over gRPC or
// HTTP/protobuf, retrying transient transport failures a bounded number
// of times.
package otlp

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/zoobzio/clockz"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"go.uber.org/zap"

	"github.com/andrewh/beacon/pkg/export"
	"github.com/andrewh/beacon/pkg/trace"
)

// Protocol selects the wire transport.
type Protocol string

const (
	ProtocolGRPC Protocol = "grpc"
	ProtocolHTTP Protocol = "http/protobuf"
)

// Default collector endpoints per protocol.
const (
	DefaultGRPCEndpoint = "localhost:4317"
	DefaultHTTPEndpoint = "localhost:4318"
)

// Exporter delivers span batches to a collector. Failures are returned to
// the calling processor, which owns logging them; nothing propagates into
// instrumented code.
type Exporter struct {
	uploader uploader
	retry    RetryConfig
	clock    clockz.Clock
	log      *zap.Logger
	stopped  atomic.Bool
}

// Option configures the exporter.
type Option func(*config)

type config struct {
	endpoint string
	protocol Protocol
	insecure bool
	headers  map[string]string
	retry    RetryConfig
	clock    clockz.Clock
	log      *zap.Logger
}

// WithEndpoint sets the collector address as host:port, without a scheme.
func WithEndpoint(endpoint string) Option {
	return func(c *config) { c.endpoint = endpoint }
}

// WithProtocol selects grpc or http/protobuf. Default is http/protobuf.
func WithProtocol(p Protocol) Option {
	return func(c *config) { c.protocol = p }
}

// WithInsecure disables transport security for local collectors.
func WithInsecure() Option {
	return func(c *config) { c.insecure = true }
}

// WithHeaders attaches extra request headers or gRPC metadata, typically
// collector auth.
func WithHeaders(headers map[string]string) Option {
	return func(c *config) { c.headers = headers }
}

// WithRetry overrides the retry budget.
func WithRetry(r RetryConfig) Option {
	return func(c *config) { c.retry = r }
}

// WithClock injects the clock backing retry backoff waits.
func WithClock(clock clockz.Clock) Option {
	return func(c *config) { c.clock = clock }
}

// WithLogger sets the operational log sink.
func WithLogger(log *zap.Logger) Option {
	return func(c *config) { c.log = log }
}

// New builds an exporter for the configured protocol.
func New(opts ...Option) (*Exporter, error) {
	cfg := config{
		protocol: ProtocolHTTP,
		retry:    DefaultRetry,
		clock:    clockz.RealClock,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.retry.MaxAttempts < 1 {
		return nil, fmt.Errorf("retry attempts must be at least 1, got %d", cfg.retry.MaxAttempts)
	}
	if strings.Contains(cfg.endpoint, "://") {
		return nil, fmt.Errorf("endpoint %q must be host:port without a scheme", cfg.endpoint)
	}

	var up uploader
	switch cfg.protocol {
	case ProtocolGRPC:
		if cfg.endpoint == "" {
			cfg.endpoint = DefaultGRPCEndpoint
		}
		u, err := newGRPCUploader(cfg.endpoint, cfg.insecure, cfg.headers, cfg.log)
		if err != nil {
			return nil, err
		}
		up = u
	case ProtocolHTTP:
		if cfg.endpoint == "" {
			cfg.endpoint = DefaultHTTPEndpoint
		}
		up = newHTTPUploader(cfg.endpoint, cfg.insecure, cfg.headers, cfg.log)
	default:
		return nil, fmt.Errorf("unsupported protocol %q, supported: http/protobuf, grpc", cfg.protocol)
	}

	return &Exporter{
		uploader: up,
		retry:    cfg.retry,
		clock:    cfg.clock,
		log:      cfg.log,
	}, nil
}

// ExportSpans converts the batch to OTLP and uploads it, retrying transient
// failures within the configured budget.
func (e *Exporter) ExportSpans(ctx context.Context, spans []trace.ReadOnlySpan) error {
	if e.stopped.Load() {
		return fmt.Errorf("otlp: %w", export.ErrStopped)
	}
	if len(spans) == 0 {
		return nil
	}
	req := &coltracepb.ExportTraceServiceRequest{ResourceSpans: toResourceSpans(spans)}
	return e.withRetry(ctx, func(ctx context.Context) error {
		return e.uploader.upload(ctx, req)
	})
}

// Shutdown closes the transport. Idempotent; later exports fail with
// export.ErrStopped.
func (e *Exporter) Shutdown(context.Context) error {
	if !e.stopped.CompareAndSwap(false, true) {
		return nil
	}
	return e.uploader.close()
}
