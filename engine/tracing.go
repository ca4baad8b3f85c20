package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer is a single package-scoped handle with no wrapping provider
// abstraction: the engine only creates spans, and whatever TracerProvider
// the host process installed decides where (or whether) they are shipped.
var tracer = otel.Tracer("github.com/flowloom/engine")

// startWorkflowSpan opens one span per Execute/Resume call, tagged with the
// identifiers a reader would filter a trace backend on.
func startWorkflowSpan(ctx context.Context, op, workflowID, stateID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("workflow.id", workflowID),
		attribute.String("workflow.state_id", stateID),
	))
}

// endWorkflowSpan closes span with the outcome, recording resultErr (if
// any) and setting the span status accordingly.
func endWorkflowSpan(span trace.Span, status string, resultErr error) {
	span.SetAttributes(attribute.String("workflow.status", status))
	if resultErr != nil {
		span.RecordError(resultErr)
		span.SetStatus(codes.Error, resultErr.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// addStepEvent records one step-completion event on the ambient workflow
// span.
func addStepEvent(span trace.Span, stepID, status string, retryCount int) {
	span.AddEvent("step_"+status, trace.WithAttributes(
		attribute.String("step.id", stepID),
		attribute.Int("step.retry_count", retryCount),
	))
}

// startStoreSpan opens a child span around one state-store round trip (the
// save + checkpoint pair at a step boundary), so store latency shows up
// distinctly from capability latency in a trace.
func startStoreSpan(ctx context.Context, op, stateID, stepID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("workflow.state_id", stateID),
		attribute.String("step.id", stepID),
	))
}

func recordStoreError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
