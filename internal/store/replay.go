package store

import (
	"time"

	"github.com/rendis/nodeflow/pkg/schema"
)

// Log event markers stored under ExecutionLog.Data["event"] by the engine.
const (
	LogEventNodeStarted   = "node.started"
	LogEventNodeCompleted = "node.completed"
	LogEventNodeFailed    = "node.failed"
)

// NodeRunStatus is the derived state of one node within an execution.
type NodeRunStatus string

const (
	NodeRunRunning   NodeRunStatus = "running"
	NodeRunCompleted NodeRunStatus = "completed"
	NodeRunFailed    NodeRunStatus = "failed"
)

// NodeRun is the materialized view of a node's execution, rebuilt from logs.
type NodeRun struct {
	NodeID      string         `json:"node_id"`
	NodeName    string         `json:"node_name,omitempty"`
	Status      NodeRunStatus  `json:"status"`
	Output      map[string]any `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	DurationMs  int64          `json:"duration_ms,omitempty"`
}

// ReplayNodeRuns folds an execution's logs into per-node runs, in the order
// nodes started. Logs must be sorted by sequence and contiguous from 1.
func ReplayNodeRuns(logs []*ExecutionLog) ([]*NodeRun, error) {
	for i, l := range logs {
		expected := int64(i + 1)
		if l.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", l.ExecutionID, expected, l.Sequence)
		}
	}

	var order []*NodeRun
	runs := make(map[string]*NodeRun)

	for _, l := range logs {
		if l.NodeID == "" {
			continue
		}
		event, _ := l.Data["event"].(string)
		if event == "" {
			continue
		}

		run, ok := runs[l.NodeID]
		if !ok {
			run = &NodeRun{NodeID: l.NodeID, NodeName: l.NodeName, Status: NodeRunRunning}
			runs[l.NodeID] = run
			order = append(order, run)
		}

		ts := l.CreatedAt
		switch event {
		case LogEventNodeStarted:
			run.Status = NodeRunRunning
			run.StartedAt = &ts

		case LogEventNodeCompleted:
			run.Status = NodeRunCompleted
			run.CompletedAt = &ts
			if out, ok := l.Data["output"].(map[string]any); ok {
				run.Output = out
			}
			if run.StartedAt != nil {
				run.DurationMs = ts.Sub(*run.StartedAt).Milliseconds()
			}

		case LogEventNodeFailed:
			run.Status = NodeRunFailed
			run.CompletedAt = &ts
			run.Error = l.Message
			if run.StartedAt != nil {
				run.DurationMs = ts.Sub(*run.StartedAt).Milliseconds()
			}
		}
	}

	return order, nil
}
