package streaming

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/pkg/schema"
)

// HubSink publishes engine events to an EventHub.
type HubSink struct {
	hub    EventHub
	logger *slog.Logger
	now    func() time.Time
}

var _ engine.EventSink = (*HubSink)(nil)

// NewHubSink creates a sink that fans execution events out through hub.
func NewHubSink(hub EventHub, logger *slog.Logger) *HubSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &HubSink{hub: hub, logger: logger, now: time.Now}
}

func (s *HubSink) EmitStatus(ctx context.Context, ev engine.StatusEvent) {
	s.publish(ctx, StreamEvent{
		ExecutionID: ev.ExecutionID,
		WorkflowID:  ev.WorkflowID,
		NodeID:      ev.CurrentNodeID,
		EventType:   schema.EventExecutionStatus,
		Payload:     ev,
	})
}

// EmitLog takes the workflow ID from ctx since log rows do not carry it.
func (s *HubSink) EmitLog(ctx context.Context, executionID string, log *store.ExecutionLog) {
	if log == nil {
		return
	}
	s.publish(ctx, StreamEvent{
		ExecutionID: executionID,
		WorkflowID:  logging.WorkflowID(ctx),
		NodeID:      log.NodeID,
		EventType:   schema.EventExecutionLog,
		Payload:     log,
	})
}

func (s *HubSink) EmitMetrics(ctx context.Context, executionID string, m engine.ExecutionMetrics) {
	s.publish(ctx, StreamEvent{
		ExecutionID: executionID,
		WorkflowID:  m.WorkflowID,
		EventType:   schema.EventExecutionMetrics,
		Payload:     m,
	})
}

// publish ignores the caller's cancellation: a cancelled run still reports its
// terminal events.
func (s *HubSink) publish(ctx context.Context, ev StreamEvent) {
	ev.Timestamp = s.now().UTC()
	if err := s.hub.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.WarnContext(ctx, "publish stream event",
			slog.String("event_type", ev.EventType),
			slog.String("error", err.Error()))
	}
}
