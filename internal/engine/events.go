package engine

import (
	"context"

	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/pkg/schema"
)

// ExecutionMetrics summarizes a finished execution.
type ExecutionMetrics struct {
	WorkflowID    string                 `json:"workflow_id"`
	Mode          schema.ExecutionMode   `json:"mode"`
	Status        schema.ExecutionStatus `json:"status"`
	DurationMs    int64                  `json:"duration_ms"`
	NodesExecuted int                    `json:"nodes_executed"`
	NodesTotal    int                    `json:"nodes_total"`
}

// StatusEvent is a status or progress change of an execution.
type StatusEvent struct {
	ExecutionID   string                 `json:"execution_id"`
	WorkflowID    string                 `json:"workflow_id"`
	Status        schema.ExecutionStatus `json:"status"`
	Progress      int                    `json:"progress"`
	CurrentNodeID string                 `json:"current_node_id,omitempty"`
}

// EventSink receives every status change, log line and final metrics of an execution.
// Emission is best effort: sinks must not block the engine for long.
type EventSink interface {
	EmitStatus(ctx context.Context, ev StatusEvent)
	EmitLog(ctx context.Context, executionID string, log *store.ExecutionLog)
	EmitMetrics(ctx context.Context, executionID string, m ExecutionMetrics)
}

// MultiSink fans events out to several sinks in order.
type MultiSink []EventSink

func (m MultiSink) EmitStatus(ctx context.Context, ev StatusEvent) {
	for _, s := range m {
		s.EmitStatus(ctx, ev)
	}
}

func (m MultiSink) EmitLog(ctx context.Context, executionID string, log *store.ExecutionLog) {
	for _, s := range m {
		s.EmitLog(ctx, executionID, log)
	}
}

func (m MultiSink) EmitMetrics(ctx context.Context, executionID string, metrics ExecutionMetrics) {
	for _, s := range m {
		s.EmitMetrics(ctx, executionID, metrics)
	}
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) EmitStatus(context.Context, StatusEvent)               {}
func (NopSink) EmitLog(context.Context, string, *store.ExecutionLog)  {}
func (NopSink) EmitMetrics(context.Context, string, ExecutionMetrics) {}
