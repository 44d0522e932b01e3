package store

import (
	"time"

	"github.com/rendis/nodeflow/pkg/schema"
)

// Workflow is the persisted definition of a workflow plus its run counters.
type Workflow struct {
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	Nodes          []schema.Node       `json:"nodes"`
	Connections    []schema.Connection `json:"connections"`
	Active         bool                `json:"active"`
	ExecutionCount int64               `json:"execution_count"`
	SuccessCount   int64               `json:"success_count"`
	FailureCount   int64               `json:"failure_count"`
	LastExecutedAt *time.Time          `json:"last_executed_at,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// Graph returns a fresh graph view of the workflow definition.
func (w *Workflow) Graph() schema.WorkflowGraph {
	nodes := make([]schema.Node, len(w.Nodes))
	copy(nodes, w.Nodes)
	conns := make([]schema.Connection, len(w.Connections))
	copy(conns, w.Connections)
	return schema.WorkflowGraph{Nodes: nodes, Connections: conns}
}

// Execution is one run of a workflow.
type Execution struct {
	ID            string                 `json:"id"`
	WorkflowID    string                 `json:"workflow_id"`
	UserID        string                 `json:"user_id,omitempty"`
	Mode          schema.ExecutionMode   `json:"mode"`
	Status        schema.ExecutionStatus `json:"status"`
	InputData     map[string]any         `json:"input_data,omitempty"`
	OutputData    map[string]any         `json:"output_data,omitempty"`
	CurrentNodeID string                 `json:"current_node_id,omitempty"`
	Progress      int                    `json:"progress"`
	StartedAt     *time.Time             `json:"started_at,omitempty"`
	FinishedAt    *time.Time             `json:"finished_at,omitempty"`
	DurationMs    *int64                 `json:"duration_ms,omitempty"`
	ErrorMessage  string                 `json:"error_message,omitempty"`
	ErrorStack    string                 `json:"error_stack,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}

// ExecutionLog is an append-only log line of an execution.
type ExecutionLog struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	Sequence    int64           `json:"sequence"`
	Level       schema.LogLevel `json:"level"`
	Message     string          `json:"message"`
	NodeID      string          `json:"node_id,omitempty"`
	NodeName    string          `json:"node_name,omitempty"`
	Data        map[string]any  `json:"data,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ScheduledWorkflow binds a workflow to a cron expression.
type ScheduledWorkflow struct {
	ID              string                `json:"id"`
	WorkflowID      string                `json:"workflow_id"`
	CronExpression  string                `json:"cron_expression"`
	Timezone        string                `json:"timezone"`
	Status          schema.ScheduleStatus `json:"status"`
	InputData       map[string]any        `json:"input_data,omitempty"`
	NextExecutionAt *time.Time            `json:"next_execution_at,omitempty"`
	LastExecutionAt *time.Time            `json:"last_execution_at,omitempty"`
	ExecutionCount  int64                 `json:"execution_count"`
	FailureCount    int64                 `json:"failure_count"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// --- Update types ---

// WorkflowUpdate holds the mutable fields of a workflow. Nil fields are left unchanged.
type WorkflowUpdate struct {
	Name        *string
	Nodes       []schema.Node
	Connections []schema.Connection
	Active      *bool
}

// ExecutionUpdate holds the mutable fields of an execution. Nil fields are left unchanged.
type ExecutionUpdate struct {
	Status        *schema.ExecutionStatus
	OutputData    map[string]any
	CurrentNodeID *string
	Progress      *int
	StartedAt     *time.Time
	FinishedAt    *time.Time
	DurationMs    *int64
	ErrorMessage  *string
	ErrorStack    *string

	// ExpectStatus makes the update conditional: it only applies while the
	// persisted status is one of these. A mismatch yields a CONFLICT error.
	ExpectStatus []schema.ExecutionStatus
}

// ScheduleUpdate holds the mutable fields of a schedule. Nil fields are left unchanged.
type ScheduleUpdate struct {
	CronExpression  *string
	Timezone        *string
	Status          *schema.ScheduleStatus
	InputData       map[string]any
	NextExecutionAt *time.Time
	LastExecutionAt *time.Time

	ClearNextExecution bool
	IncrementExecution bool
	IncrementFailure   bool
}

// --- Filter types ---

// WorkflowFilter narrows ListWorkflows.
type WorkflowFilter struct {
	Active *bool
	Limit  int
	Offset int
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	WorkflowID string
	Status     *schema.ExecutionStatus
	Mode       *schema.ExecutionMode
	Since      *time.Time
	// StartedBefore keeps executions started at or before the time and lists
	// them oldest start first.
	StartedBefore *time.Time
	Limit         int
	Offset        int
}

// ScheduleFilter narrows ListSchedules.
type ScheduleFilter struct {
	WorkflowID string
	Status     *schema.ScheduleStatus
	Limit      int
	Offset     int
}
