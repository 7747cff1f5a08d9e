package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for foreman spans and metrics.
var (
	AttrSessionID     = attribute.Key("foreman.session.id")
	AttrRequirementID = attribute.Key("foreman.requirement.id")
	AttrJobID         = attribute.Key("foreman.job.id")
	AttrTaskID        = attribute.Key("foreman.task.id")
	AttrPhase         = attribute.Key("foreman.phase")
	AttrAgentType     = attribute.Key("foreman.agent.type")
	AttrOutcome       = attribute.Key("foreman.outcome")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (the agent subprocess,
// git plumbing).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
