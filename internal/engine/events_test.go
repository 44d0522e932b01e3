package engine

import (
	"context"
	"testing"

	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/pkg/schema"
	"github.com/stretchr/testify/assert"
)

func TestMultiSink_FansOut(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	sink := MultiSink{a, NopSink{}, b}
	ctx := context.Background()

	sink.EmitStatus(ctx, StatusEvent{ExecutionID: "e1", Status: schema.ExecutionStatusRunning, Progress: 50})
	sink.EmitLog(ctx, "e1", &store.ExecutionLog{ExecutionID: "e1", Message: "hello"})
	sink.EmitMetrics(ctx, "e1", ExecutionMetrics{WorkflowID: "wf", NodesExecuted: 2})

	for _, s := range []*recordingSink{a, b} {
		assert.Len(t, s.statuses, 1)
		assert.Equal(t, 50, s.statuses[0].Progress)
		assert.Len(t, s.logs, 1)
		assert.Equal(t, "hello", s.logs[0].Message)
		assert.Len(t, s.metrics, 1)
		assert.Equal(t, 2, s.metrics[0].NodesExecuted)
	}
}
