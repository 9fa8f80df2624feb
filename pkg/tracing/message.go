package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const TracerName = "river"

// InjectHeaders writes the current span context into a string header map.
func InjectHeaders(ctx context.Context, headers map[string]string) map[string]string {
	if headers == nil {
		headers = make(map[string]string)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(headers))
	return headers
}

// StartMessageSpan continues a trace carried in broker message headers, or
// starts a new root span when the headers carry none.
func StartMessageSpan(ctx context.Context, operationName string, headers map[string]string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if len(headers) > 0 {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(headers))
	}
	opts = append(opts, trace.WithSpanKind(trace.SpanKindConsumer))
	return GetTracer(TracerName).Start(ctx, operationName, opts...)
}
