package logging

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// Correlation holds the IDs that tie a log line to the execution, node,
// schedule or dispatch job it was written for.
type Correlation struct {
	ExecutionID string
	WorkflowID  string
	NodeID      string
	ScheduleID  string
	JobID       string
}

type correlationKey struct{}

// FromContext returns the correlation IDs carried by ctx.
func FromContext(ctx context.Context) Correlation {
	c, _ := ctx.Value(correlationKey{}).(Correlation)
	return c
}

func update(ctx context.Context, fn func(*Correlation)) context.Context {
	c := FromContext(ctx)
	fn(&c)
	return context.WithValue(ctx, correlationKey{}, c)
}

// WithExecution sets the execution and workflow IDs together.
func WithExecution(ctx context.Context, executionID, workflowID string) context.Context {
	return update(ctx, func(c *Correlation) {
		c.ExecutionID = executionID
		c.WorkflowID = workflowID
	})
}

func WithWorkflowID(ctx context.Context, id string) context.Context {
	return update(ctx, func(c *Correlation) { c.WorkflowID = id })
}

func WithNodeID(ctx context.Context, id string) context.Context {
	return update(ctx, func(c *Correlation) { c.NodeID = id })
}

func WithScheduleID(ctx context.Context, id string) context.Context {
	return update(ctx, func(c *Correlation) { c.ScheduleID = id })
}

func WithJobID(ctx context.Context, id string) context.Context {
	return update(ctx, func(c *Correlation) { c.JobID = id })
}

// WorkflowID returns the workflow ID in ctx, or "".
func WorkflowID(ctx context.Context) string { return FromContext(ctx).WorkflowID }

// attrs returns the set IDs in a fixed order, then the active span's trace
// and span IDs when ctx carries a sampled-or-not valid span context.
func attrs(ctx context.Context) []slog.Attr {
	c := FromContext(ctx)
	var out []slog.Attr
	for _, f := range [...]struct{ key, val string }{
		{"execution_id", c.ExecutionID},
		{"workflow_id", c.WorkflowID},
		{"node_id", c.NodeID},
		{"schedule_id", c.ScheduleID},
		{"job_id", c.JobID},
	} {
		if f.val != "" {
			out = append(out, slog.String(f.key, f.val))
		}
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		out = append(out,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()))
	}
	return out
}

// LogWith binds the correlation IDs in ctx to logger. Use it for loggers
// handed to code that logs without a context, such as node runners.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	a := attrs(ctx)
	if len(a) == 0 {
		return logger
	}
	args := make([]any, len(a))
	for i := range a {
		args[i] = a[i]
	}
	return logger.With(args...)
}

// CorrelationHandler adds the correlation IDs of the record's context to
// every record, so logger.InfoContext(ctx, ...) needs no extra attributes.
type CorrelationHandler struct {
	next slog.Handler
}

func NewCorrelationHandler(next slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{next: next}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if a := attrs(ctx); len(a) > 0 {
		r = r.Clone()
		r.AddAttrs(a...)
	}
	return h.next.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(as []slog.Attr) slog.Handler {
	return NewCorrelationHandler(h.next.WithAttrs(as))
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return NewCorrelationHandler(h.next.WithGroup(name))
}
