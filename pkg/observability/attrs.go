package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute helpers for the domain operations. Keeping the key set small and
// stable makes the metrics queryable across deployments.

// ActionOperation tags an API action invocation.
func ActionOperation(action string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("openclaw.action", action),
	}
}

// CollectionOperation tags a collection cycle.
func CollectionOperation(startupID, collectionID string, artifactCount int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("openclaw.startup.id", startupID),
		attribute.String("openclaw.collection.id", collectionID),
		attribute.Int("openclaw.collection.artifacts", artifactCount),
	}
}

// ApprovalOperation tags an approval decision.
func ApprovalOperation(approvalID, riskLevel, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("openclaw.approval.id", approvalID),
		attribute.String("openclaw.approval.risk_level", riskLevel),
		attribute.String("openclaw.approval.status", status),
	}
}

// DispatchOperation tags an evidence dispatch.
func DispatchOperation(approvalID string, recipientCount int, dryRun bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("openclaw.approval.id", approvalID),
		attribute.Int("openclaw.dispatch.recipients", recipientCount),
		attribute.Bool("openclaw.dispatch.dry_run", dryRun),
	}
}

// GatewayOperation tags a gateway wire-protocol call.
func GatewayOperation(startupID, endpoint string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("openclaw.startup.id", startupID),
		attribute.String("openclaw.gateway.endpoint", endpoint),
	}
}

// SpanFromContext returns the active span, or a no-op span if none.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent attaches an event to the active span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus marks the active span from an error outcome.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		return
	}
	span.SetStatus(codes.Ok, "")
}
