// Package httpclient traces outbound HTTP requests, the analog of
// instrumented XHR/fetch calls: one client span per request, with the
// traceparent header injected so servers can continue the trace.
package httpclient

import (
	"context"
	"net/http"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/andrewh/beacon/pkg/trace"
)

const (
	attrMethod     = "http.request.method"
	attrURLFull    = "url.full"
	attrServerAddr = "server.address"
	attrStatusCode = "http.response.status_code"
)

// Option configures the transport.
type Option func(*Transport)

// WithBase sets the underlying round tripper. Default is
// http.DefaultTransport.
func WithBase(rt http.RoundTripper) Option {
	return func(t *Transport) { t.base = rt }
}

// Transport is an http.RoundTripper that wraps every request in a client
// span. It doubles as a registry instrumentation: until Start it passes
// requests through untouched, and Stop returns it to that state, so
// enabling and disabling never breaks in-flight clients.
type Transport struct {
	base   http.RoundTripper
	tracer atomic.Pointer[trace.Tracer]
}

// New returns a pass-through transport; Start makes it trace.
func New(opts ...Option) *Transport {
	t := &Transport{base: http.DefaultTransport}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name implements instrument.Instrumentation.
func (t *Transport) Name() string { return "httpclient" }

// Start begins tracing requests through provider.
func (t *Transport) Start(_ context.Context, provider *trace.Provider) error {
	t.tracer.Store(provider.Tracer("httpclient"))
	return nil
}

// Stop returns the transport to pass-through mode.
func (t *Transport) Stop(context.Context) error {
	t.tracer.Store(nil)
	return nil
}

// Client returns an http.Client using this transport.
func (t *Transport) Client() *http.Client {
	return &http.Client{Transport: t}
}

// RoundTrip traces one request. The span is named after the method, carries
// method/URL/status attributes, and goes to Error status on transport
// failure or a 5xx response. The original request is never mutated.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	tracer := t.tracer.Load()
	if tracer == nil {
		return t.base.RoundTrip(req)
	}

	ctx, span := tracer.Start(req.Context(), req.Method,
		trace.WithSpanKind(oteltrace.SpanKindClient),
		trace.WithAttributes(
			attribute.String(attrMethod, req.Method),
			attribute.String(attrURLFull, req.URL.String()),
			attribute.String(attrServerAddr, req.URL.Hostname()),
		))
	defer span.End()

	req = req.Clone(ctx)
	if tp := trace.FormatTraceparent(span.SpanContext()); tp != "" {
		req.Header.Set("traceparent", tp)
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.Int(attrStatusCode, resp.StatusCode))
	if resp.StatusCode >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, resp.Status)
	}
	return resp, nil
}
