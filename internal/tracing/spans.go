package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// StartStageSpan creates a child span for one pipeline stage (sanitize,
// fingerprint, dedupe, build, enqueue, apply).
func StartStageSpan(ctx context.Context, stage string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "pipeline."+stage,
		trace.WithAttributes(attribute.String("pipeline.stage", stage)),
	)
}

// StartUpstreamSpan creates a client span for a mock-server admin call.
func StartUpstreamSpan(ctx context.Context, url, operation string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "mockserver."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("mockserver.url", url),
			attribute.String("mockserver.operation", operation),
		),
	)
}

// InjectHeaders injects the current trace context (traceparent, tracestate)
// into the given HTTP request headers so the mock server can continue the
// trace.
func InjectHeaders(ctx context.Context, req *http.Request) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
}

// SetCaptureAttributes adds capture-level attributes to the current span.
func SetCaptureAttributes(ctx context.Context, traceID, method, path string) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("capture.trace_id", traceID),
		attribute.String("capture.method", method),
		attribute.String("capture.path", path),
	)
}

// SetStubAttributes adds stub-level attributes to the current span.
func SetStubAttributes(ctx context.Context, stubID string, duplicate bool) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("stub.id", stubID),
		attribute.Bool("stub.duplicate", duplicate),
	)
}

// RecordError records an error on the current span.
func RecordError(ctx context.Context, err error) {
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
	}
}
