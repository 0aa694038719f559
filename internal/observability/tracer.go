package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys shared by the pipeline stages and the sandbox.
var (
	AttrAppID        = attribute.Key("orbit.app.id")
	AttrRouteID      = attribute.Key("orbit.route.id")
	AttrDeploymentID = attribute.Key("orbit.deployment.id")
	AttrStage        = attribute.Key("orbit.stage")
	AttrOutcome      = attribute.Key("orbit.outcome")
	AttrFaultKind    = attribute.Key("orbit.fault.kind")
	AttrRequestID    = attribute.Key("orbit.request_id")
	AttrFetchCalls   = attribute.Key("orbit.sandbox.fetch_calls")
)

// StartSpan opens an internal span, one per pipeline stage or invocation.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return startSpan(ctx, name, trace.SpanKindInternal, attrs)
}

// StartServerSpan opens the root span of an inbound request.
func StartServerSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return startSpan(ctx, name, trace.SpanKindServer, attrs)
}

func startSpan(ctx context.Context, name string, kind trace.SpanKind, attrs []attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// SetSpanError records err on span and marks it failed.
func SetSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
