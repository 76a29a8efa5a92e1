package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for GoLoft spans.
var (
	AttrProjectID      = attribute.Key("goloft.project.id")
	AttrConversationID = attribute.Key("goloft.conversation.id")
	AttrRunID          = attribute.Key("goloft.run.id")
	AttrStepIndex      = attribute.Key("goloft.run.step")
	AttrStepKind       = attribute.Key("goloft.run.step_kind")
	AttrBackend        = attribute.Key("goloft.planner.backend")
	AttrIndexJobID     = attribute.Key("goloft.index.job_id")
	AttrRPCMethod      = attribute.Key("goloft.rpc.method")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (Gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (planner backend, Docker).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
