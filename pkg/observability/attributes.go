package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Semantic convention attributes for the substrate's domain objects, used
// on spans and in structured log lines per spec §10.1's "every request/
// worker log line carries tenant_id, stream_id/artifact_id/gate_id where
// applicable".
var (
	AttrTenantID    = attribute.Key("settld.tenant_id")
	AttrStreamID    = attribute.Key("settld.stream_id")
	AttrArtifactID  = attribute.Key("settld.artifact_id")
	AttrGateID      = attribute.Key("settld.gate_id")
	AttrWorkOrderID = attribute.Key("settld.work_order_id")
	AttrSessionID   = attribute.Key("settld.session_id")
	AttrErrorCode   = attribute.Key("settld.error_code")
)

// EventAppendOperation creates attributes for a stream event append.
func EventAppendOperation(tenantID, streamID string, eventIndex int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrStreamID.String(streamID),
		attribute.Int64("settld.event_index", eventIndex),
	}
}

// X402GateOperation creates attributes for an x402 gate transition.
func X402GateOperation(tenantID, gateID, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrGateID.String(gateID),
		attribute.String("settld.gate_state", state),
	}
}

// WorkOrderOperation creates attributes for a work order transition.
func WorkOrderOperation(tenantID, workOrderID, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrWorkOrderID.String(workOrderID),
		attribute.String("settld.work_order_state", state),
	}
}

// SessionReplayOperation creates attributes for a session replay/verify run.
func SessionReplayOperation(tenantID, sessionID string, eventCount int, chainOK bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrSessionID.String(sessionID),
		attribute.Int("settld.event_count", eventCount),
		attribute.Bool("settld.chain_ok", chainOK),
	}
}

// ArtifactVerifyOperation creates attributes for an artifact verification
// pass, including the first failing code when verification fails.
func ArtifactVerifyOperation(tenantID, artifactID, schemaVersion string, ok bool, firstErrorCode string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrTenantID.String(tenantID),
		AttrArtifactID.String(artifactID),
		attribute.String("settld.schema_version", schemaVersion),
		attribute.Bool("settld.verification_ok", ok),
	}
	if firstErrorCode != "" {
		attrs = append(attrs, AttrErrorCode.String(firstErrorCode))
	}
	return attrs
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the current span, if any.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
