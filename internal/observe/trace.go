package observe

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the Lectary tracer.
const tracerName = "github.com/lectary/live"

// SessionSpan starts a span covering one phase of a live session's lifecycle
// (for example "connect"). The span is named "session.<phase>" and tagged with
// the session ID and provider so traces from concurrent sessions stay
// distinguishable. The caller must call span.End() when the phase completes.
func SessionSpan(ctx context.Context, phase, sessionID, provider string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "session."+phase,
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("provider", provider),
		),
	)
}

// opsSpan starts a server span for one request against the ops endpoint.
func opsSpan(ctx context.Context, method, path string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "ops "+method+" "+path,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(method),
			semconv.URLPath(path),
		),
	)
}
