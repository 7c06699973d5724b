// W3C traceparent codec for the page-embedded trace seed
// Format: {version}-{traceId}-{spanId}-{sampleDecision}, lowercase hex
package trace

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ErrInvalidTraceparent reports a seed that does not parse as a W3C
// traceparent value.
var ErrInvalidTraceparent = errors.New("invalid traceparent")

// ParseTraceparent decodes a traceparent seed like
// "00-ab42124a3c573678d4d8b21ba52df3bf-d21f7bc17caa5aba-01" into a remote
// span context. All-zero identifiers and malformed fields are rejected.
func ParseTraceparent(s string) (oteltrace.SpanContext, error) {
	parts := strings.Split(strings.TrimSpace(s), "-")
	if len(parts) < 4 {
		return oteltrace.SpanContext{}, fmt.Errorf("%w: expected 4 fields, got %d", ErrInvalidTraceparent, len(parts))
	}

	version, err := hex.DecodeString(parts[0])
	if err != nil || len(version) != 1 {
		return oteltrace.SpanContext{}, fmt.Errorf("%w: bad version %q", ErrInvalidTraceparent, parts[0])
	}
	if version[0] == 0xff {
		return oteltrace.SpanContext{}, fmt.Errorf("%w: version ff is forbidden", ErrInvalidTraceparent)
	}
	if version[0] == 0 && len(parts) != 4 {
		return oteltrace.SpanContext{}, fmt.Errorf("%w: version 00 allows exactly 4 fields, got %d", ErrInvalidTraceparent, len(parts))
	}

	traceID, err := oteltrace.TraceIDFromHex(parts[1])
	if err != nil {
		return oteltrace.SpanContext{}, fmt.Errorf("%w: trace id %q: %v", ErrInvalidTraceparent, parts[1], err)
	}
	spanID, err := oteltrace.SpanIDFromHex(parts[2])
	if err != nil {
		return oteltrace.SpanContext{}, fmt.Errorf("%w: span id %q: %v", ErrInvalidTraceparent, parts[2], err)
	}

	flags, err := hex.DecodeString(parts[3])
	if err != nil || len(flags) != 1 {
		return oteltrace.SpanContext{}, fmt.Errorf("%w: bad flags %q", ErrInvalidTraceparent, parts[3])
	}

	return oteltrace.NewSpanContext(oteltrace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: oteltrace.TraceFlags(flags[0]),
		Remote:     true,
	}), nil
}

// FormatTraceparent renders sc as a version 00 traceparent value, or ""
// when sc is invalid.
func FormatTraceparent(sc oteltrace.SpanContext) string {
	if !sc.IsValid() {
		return ""
	}
	return fmt.Sprintf("00-%s-%s-%s",
		sc.TraceID().String(),
		sc.SpanID().String(),
		sc.TraceFlags().String())
}

// ContextWithSeed parses a page-embedded seed and installs it as the remote
// root for spans started under the returned context. A malformed seed warns
// through the provider log and leaves ctx unchanged, so the next span simply
// starts a new root trace.
func (p *Provider) ContextWithSeed(ctx context.Context, seed string) context.Context {
	if seed == "" {
		return ctx
	}
	sc, err := ParseTraceparent(seed)
	if err != nil {
		p.log.Warn("ignoring malformed trace seed", zap.String("seed", seed), zap.Error(err))
		return ctx
	}
	return ContextWithRemoteSpanContext(ctx, sc)
}
