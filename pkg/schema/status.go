package schema

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
	ExecutionStatusTimeout   ExecutionStatus = "timeout"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled, ExecutionStatusTimeout:
		return true
	}
	return false
}

// ExecutionMode records how an execution was triggered.
type ExecutionMode string

const (
	ExecutionModeManual    ExecutionMode = "manual"
	ExecutionModeWebhook   ExecutionMode = "webhook"
	ExecutionModeScheduled ExecutionMode = "scheduled"
	ExecutionModeTest      ExecutionMode = "test"
)

// Valid reports whether m is a known mode.
func (m ExecutionMode) Valid() bool {
	switch m {
	case ExecutionModeManual, ExecutionModeWebhook, ExecutionModeScheduled, ExecutionModeTest:
		return true
	}
	return false
}

// LogLevel is the severity of an execution log line.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// ScheduleStatus is the lifecycle state of a scheduled workflow.
type ScheduleStatus string

const (
	ScheduleStatusActive  ScheduleStatus = "active"
	ScheduleStatusPaused  ScheduleStatus = "paused"
	ScheduleStatusDeleted ScheduleStatus = "deleted"
)

// Event types published on the streaming hub.
const (
	EventExecutionStatus  = "execution_status"
	EventExecutionLog     = "execution_log"
	EventExecutionMetrics = "execution_metrics"
)

// JobTypeExecutionRun is the dispatch job type consumed by workers to run an execution.
const JobTypeExecutionRun = "execution.run"
