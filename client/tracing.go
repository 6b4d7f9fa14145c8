package client

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/sardanioss/proxycloak/client"

func newTracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(tracerName)
}

func startSpan(ctx context.Context, tracer trace.Tracer, id, method, host string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "HTTP "+method, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("http.request.method", method),
		attribute.String("server.address", host),
		attribute.String("proxycloak.request_id", id),
	)
	return ctx, span
}

// endSpan records the outcome of res on span.
func endSpan(span trace.Span, res *Result) {
	if res.Proxy != "" {
		span.SetAttributes(attribute.String("proxycloak.proxy", res.Proxy))
	}
	if res.OK {
		span.SetAttributes(attribute.Int("http.response.status_code", res.Status))
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetAttributes(attribute.String("error.type", res.Error))
		span.SetStatus(codes.Error, res.Detail)
	}
	span.End()
}
