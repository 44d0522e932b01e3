package streaming

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/pkg/schema"
)

type failingHub struct{ calls int }

func (f *failingHub) Publish(context.Context, StreamEvent) error {
	f.calls++
	return errors.New("hub down")
}

func (f *failingHub) Subscribe(context.Context, EventFilter) (<-chan StreamEvent, func(), error) {
	return nil, nil, errors.New("hub down")
}

func TestHubSink_PublishesEngineEvents(t *testing.T) {
	hub := NewMemoryHub()
	sink := NewHubSink(hub, slog.New(slog.NewTextHandler(io.Discard, nil)))
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	sink.now = func() time.Time { return fixed }

	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{WorkflowID: "wf-1"})
	require.NoError(t, err)
	defer cancel()

	ctx := logging.WithExecution(context.Background(), "exec-1", "wf-1")
	status := engine.StatusEvent{
		ExecutionID:   "exec-1",
		WorkflowID:    "wf-1",
		Status:        schema.ExecutionStatusRunning,
		Progress:      50,
		CurrentNodeID: "b",
	}
	sink.EmitStatus(ctx, status)
	sink.EmitLog(ctx, "exec-1", &store.ExecutionLog{Message: "node completed", NodeID: "b", Level: schema.LogLevelInfo})
	sink.EmitLog(ctx, "exec-1", nil)
	sink.EmitMetrics(ctx, "exec-1", engine.ExecutionMetrics{WorkflowID: "wf-1", Status: schema.ExecutionStatusCompleted})

	ev := recv(t, ch)
	assert.Equal(t, schema.EventExecutionStatus, ev.EventType)
	assert.Equal(t, "b", ev.NodeID)
	assert.Equal(t, status, ev.Payload)
	assert.Equal(t, fixed, ev.Timestamp)

	ev = recv(t, ch)
	assert.Equal(t, schema.EventExecutionLog, ev.EventType)
	assert.Equal(t, "wf-1", ev.WorkflowID, "log events take the workflow from ctx")
	assert.Equal(t, "node completed", ev.Payload.(*store.ExecutionLog).Message)

	ev = recv(t, ch)
	assert.Equal(t, schema.EventExecutionMetrics, ev.EventType)
	assert.Equal(t, "exec-1", ev.ExecutionID)
	assert.Empty(t, pending(ch))
}

func TestHubSink_CancelledContextStillPublishes(t *testing.T) {
	hub := NewMemoryHub()
	sink := NewHubSink(hub, nil)

	ch, cancel, err := hub.Subscribe(context.Background(), EventFilter{})
	require.NoError(t, err)
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	stop()
	sink.EmitStatus(ctx, engine.StatusEvent{ExecutionID: "exec-1", Status: schema.ExecutionStatusCancelled})

	assert.Equal(t, schema.EventExecutionStatus, recv(t, ch).EventType)
}

func TestHubSink_PublishErrorIsSwallowed(t *testing.T) {
	hub := &failingHub{}
	sink := NewHubSink(hub, slog.New(slog.NewTextHandler(io.Discard, nil)))

	assert.NotPanics(t, func() {
		sink.EmitStatus(context.Background(), engine.StatusEvent{ExecutionID: "exec-1"})
		sink.EmitMetrics(context.Background(), "exec-1", engine.ExecutionMetrics{})
	})
	assert.Equal(t, 2, hub.calls)
}
