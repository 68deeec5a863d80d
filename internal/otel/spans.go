package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for lughd spans.
var (
	AttrAgentID  = attribute.Key("lugh.agent.id")
	AttrTaskID   = attribute.Key("lugh.task.id")
	AttrToolName = attribute.Key("lugh.tool.name")
	AttrRisk     = attribute.Key("lugh.tool.risk")
	AttrEnvID    = attribute.Key("lugh.isolation.env_id")
	AttrPlatform = attribute.Key("lugh.platform")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (assistant backend, git subprocess).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
