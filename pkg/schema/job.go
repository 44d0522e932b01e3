package schema

import "time"

// JobOptions controls how a dispatched job is delivered and retried.
type JobOptions struct {
	// Priority is carried as message metadata; higher runs sooner where the transport supports it.
	Priority int `json:"priority,omitempty" yaml:"priority"`
	// Attempts is the total number of handler attempts before the job is dropped.
	Attempts int `json:"attempts,omitempty" yaml:"attempts" validate:"gte=0"`
	// Backoff is the base delay between attempts; it doubles after each failure.
	Backoff time.Duration `json:"backoff,omitempty" yaml:"backoff" validate:"gte=0"`
}

// ExecutionRunPayload is the payload of an execution.run job.
type ExecutionRunPayload struct {
	ExecutionID string `json:"execution_id"`
	WorkflowID  string `json:"workflow_id"`
}
