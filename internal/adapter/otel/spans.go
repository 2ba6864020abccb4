package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "flowforge"

// StartDispatchSpan starts a span covering one agent episode (all retry
// attempts for a work state).
func StartDispatchSpan(ctx context.Context, requestID, agentID, task string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "dispatch",
		trace.WithAttributes(
			attribute.String("request.id", requestID),
			attribute.String("agent.id", agentID),
			attribute.String("agent.task", task),
		),
	)
}

// StartAttemptSpan starts a span for one invocation attempt within an episode.
func StartAttemptSpan(ctx context.Context, requestID string, attempt int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "attempt",
		trace.WithAttributes(
			attribute.String("request.id", requestID),
			attribute.Int("attempt", attempt),
		),
	)
}
