// Package telemetry wires the otel span-per-hop and join-buffer gauges used
// by the agent router and group-chat router. Call observer.Init-style setup
// is left to the host process (cmd/orchestrator); if no SDK is configured
// the calls below fall back to OTEL's no-op provider.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/agencore/router"

var tracer = otel.Tracer(scopeName)
var meter = otel.Meter(scopeName)

// StartHop starts a span for one node processing one envelope, tagged by
// trace id and node name so spans from the same conversation correlate
// across the whole routing graph.
func StartHop(ctx context.Context, node, traceID string) (context.Context, trace.Span) {
	return tracer.Start(ctx, node, trace.WithAttributes(
		attribute.String("agent.node", node),
		attribute.String("agent.trace_id", traceID),
	))
}

// EndHop closes span, recording err if non-nil.
func EndHop(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// JoinDepthGauge reports how many tool calls a join is still waiting on.
var JoinDepthGauge, _ = meter.Int64Gauge(
	"agentrouter.join.pending",
	metric.WithDescription("number of tool_call_requests still awaiting a tool_result, per in-flight join"),
)

// JoinTimeoutCounter counts joins that were force-completed by the deadline
// instead of a real tool_result arriving.
var JoinTimeoutCounter, _ = meter.Int64Counter(
	"agentrouter.join.timeouts",
	metric.WithDescription("joins force-completed with a synthetic error tool-return after the join deadline"),
)

// RecordJoinDepth reports the current pending count for a join.
func RecordJoinDepth(ctx context.Context, traceID string, pending int) {
	JoinDepthGauge.Record(ctx, int64(pending), metric.WithAttributes(attribute.String("agent.trace_id", traceID)))
}

// RecordJoinTimeout increments the timeout counter for a join.
func RecordJoinTimeout(ctx context.Context, traceID string) {
	JoinTimeoutCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("agent.trace_id", traceID)))
}
