package store

import (
	"context"
	"time"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error
	IncrementWorkflowCounters(ctx context.Context, id string, success bool, at time.Time) error

	// Executions. CreateExecution persists the execution and its first log
	// line in a single transaction; initialLog may be nil.
	CreateExecution(ctx context.Context, exec *Execution, initialLog *ExecutionLog) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	// Execution logs (append-only, per-execution sequence)
	AppendExecutionLog(ctx context.Context, log *ExecutionLog) error
	ListExecutionLogs(ctx context.Context, executionID string, sinceSeq int64) ([]*ExecutionLog, error)
	DeleteExecutionLogsBefore(ctx context.Context, before time.Time) (int64, error)

	// Schedules
	CreateSchedule(ctx context.Context, sched *ScheduledWorkflow) error
	GetSchedule(ctx context.Context, id string) (*ScheduledWorkflow, error)
	UpdateSchedule(ctx context.Context, id string, update ScheduleUpdate) error
	ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*ScheduledWorkflow, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error
	Close() error
}
