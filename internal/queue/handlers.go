package queue

import (
	"context"
	"log/slog"

	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/pkg/schema"
)

// ExecutionRunner runs a pending execution. Satisfied by engine.Engine.
type ExecutionRunner interface {
	Run(ctx context.Context, executionID string) error
}

// RunExecutionHandler handles execution.run jobs. Jobs for executions that are
// gone or no longer pending are dropped: redelivery cannot make them runnable.
func RunExecutionHandler(r ExecutionRunner, logger *slog.Logger) Handler {
	return func(ctx context.Context, job Job) error {
		var p schema.ExecutionRunPayload
		if err := job.Decode(&p); err != nil {
			logger.ErrorContext(ctx, "drop execution job", slog.String("error", err.Error()))
			return nil
		}
		ctx = logging.WithExecution(ctx, p.ExecutionID, p.WorkflowID)

		err := r.Run(ctx, p.ExecutionID)
		switch {
		case err == nil:
			return nil
		case schema.IsCode(err, schema.ErrCodeNotFound),
			schema.IsCode(err, schema.ErrCodeAlreadyTerminal),
			schema.IsCode(err, schema.ErrCodeInvalidTransition):
			logger.InfoContext(ctx, "skip execution job", slog.String("reason", err.Error()))
			return nil
		default:
			return err
		}
	}
}
