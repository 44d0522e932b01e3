package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// jsonRecord logs one record through a CorrelationHandler and decodes it.
func jsonRecord(t *testing.T, ctx context.Context, wrap func(slog.Handler) slog.Handler) map[string]any {
	t.Helper()
	var buf bytes.Buffer
	var h slog.Handler = NewCorrelationHandler(slog.NewJSONHandler(&buf, nil))
	if wrap != nil {
		h = wrap(h)
	}
	slog.New(h).InfoContext(ctx, "node completed")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	return rec
}

func TestCorrelation_Layering(t *testing.T) {
	assert.Equal(t, Correlation{}, FromContext(context.Background()))

	ctx := WithScheduleID(context.Background(), "sched-nightly")
	ctx = WithJobID(ctx, "job-7")
	ctx = WithExecution(ctx, "exec-1", "wf-report")
	nodeCtx := WithNodeID(ctx, "fetch")

	assert.Equal(t, Correlation{
		ExecutionID: "exec-1",
		WorkflowID:  "wf-report",
		NodeID:      "fetch",
		ScheduleID:  "sched-nightly",
		JobID:       "job-7",
	}, FromContext(nodeCtx))
	assert.Empty(t, FromContext(ctx).NodeID, "parent context is unchanged")

	ctx = WithWorkflowID(ctx, "wf-other")
	assert.Equal(t, "wf-other", WorkflowID(ctx))
	assert.Equal(t, "exec-1", FromContext(ctx).ExecutionID)
}

func TestCorrelationHandler_Attrs(t *testing.T) {
	tests := []struct {
		name    string
		ctx     context.Context
		want    map[string]any
		missing []string
	}{
		{
			name:    "bare context",
			ctx:     context.Background(),
			missing: []string{"execution_id", "workflow_id", "node_id", "schedule_id", "job_id", "trace_id"},
		},
		{
			name:    "execution and node",
			ctx:     WithNodeID(WithExecution(context.Background(), "exec-1", "wf-1"), "transform"),
			want:    map[string]any{"execution_id": "exec-1", "workflow_id": "wf-1", "node_id": "transform"},
			missing: []string{"schedule_id", "job_id"},
		},
		{
			name:    "scheduled fire",
			ctx:     WithWorkflowID(WithScheduleID(context.Background(), "sched-1"), "wf-9"),
			want:    map[string]any{"schedule_id": "sched-1", "workflow_id": "wf-9"},
			missing: []string{"execution_id"},
		},
		{
			name: "dispatched job",
			ctx:  WithJobID(context.Background(), "job-3"),
			want: map[string]any{"job_id": "job-3"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := jsonRecord(t, tt.ctx, nil)
			assert.Equal(t, "node completed", rec["msg"])
			for k, v := range tt.want {
				assert.Equal(t, v, rec[k], k)
			}
			for _, k := range tt.missing {
				assert.NotContains(t, rec, k)
			}
		})
	}
}

func TestCorrelationHandler_TraceIDs(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	ctx, span := tp.Tracer("test").Start(context.Background(), "engine.run")
	defer span.End()

	rec := jsonRecord(t, WithExecution(ctx, "exec-1", "wf-1"), nil)
	assert.Equal(t, span.SpanContext().TraceID().String(), rec["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), rec["span_id"])
	assert.Equal(t, "exec-1", rec["execution_id"])
}

func TestCorrelationHandler_KeepsAttrsAndGroups(t *testing.T) {
	ctx := WithExecution(context.Background(), "exec-1", "wf-1")

	rec := jsonRecord(t, ctx, func(h slog.Handler) slog.Handler {
		return h.WithAttrs([]slog.Attr{slog.String("component", "scheduler")})
	})
	assert.Equal(t, "scheduler", rec["component"])
	assert.Equal(t, "exec-1", rec["execution_id"])

	rec = jsonRecord(t, ctx, func(h slog.Handler) slog.Handler { return h.WithGroup("engine") })
	group, ok := rec["engine"].(map[string]any)
	require.True(t, ok, "correlation attrs land inside the open group")
	assert.Equal(t, "wf-1", group["workflow_id"])
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))

	assert.Same(t, base, LogWith(context.Background(), base))

	ctx := WithNodeID(WithExecution(context.Background(), "exec-2", "wf-2"), "notify")
	LogWith(ctx, base).Info("runner output")

	out := buf.String()
	assert.Contains(t, out, "execution_id=exec-2")
	assert.Contains(t, out, "node_id=notify")
	assert.Contains(t, out, "runner output")
}

func TestSetup(t *testing.T) {
	var buf bytes.Buffer
	logger, err := Setup(&buf, "warn", "json")
	require.NoError(t, err)

	ctx := WithJobID(context.Background(), "job-1")
	logger.InfoContext(ctx, "below level")
	logger.WarnContext(ctx, "retrying job")

	out := buf.String()
	assert.NotContains(t, out, "below level")
	assert.Contains(t, out, `"msg":"retrying job"`)
	assert.Contains(t, out, `"job_id":"job-1"`)
}

func TestSetup_Invalid(t *testing.T) {
	_, err := Setup(&bytes.Buffer{}, "loud", "text")
	assert.Error(t, err)
	_, err = Setup(&bytes.Buffer{}, "info", "xml")
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		" info ":  slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}
