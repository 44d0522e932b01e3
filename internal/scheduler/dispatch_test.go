package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/nodes"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/pkg/schema"
)

// flakyDispatcher fails the first failures enqueues.
type flakyDispatcher struct {
	mu       sync.Mutex
	failures int
	calls    int
	enqueued []schema.ExecutionRunPayload
}

func (d *flakyDispatcher) Enqueue(_ context.Context, _ string, payload any, _ schema.JobOptions) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.calls <= d.failures {
		return "", errors.New("redis: connection refused")
	}
	d.enqueued = append(d.enqueued, payload.(schema.ExecutionRunPayload))
	return "job-1", nil
}

func newEngineScheduler(t *testing.T, d engine.Dispatcher) (*Scheduler, *store.LibSQLStore) {
	t.Helper()
	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "sched.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.Migrate(context.Background()))
	require.NoError(t, st.CreateWorkflow(context.Background(), &store.Workflow{
		ID:     "wf-1",
		Name:   "nightly",
		Nodes:  []schema.Node{{ID: "start", Type: "start"}},
		Active: true,
	}))

	eng := engine.NewEngine(st, nodes.NewRegistry(), d, engine.DefaultConfig(), engine.WithLogger(testLogger()))
	return NewScheduler(st, eng, DefaultConfig(),
		WithLogger(testLogger()),
		WithClock(func() time.Time { return t0 }),
		WithRetryExecutor(noWait()),
	), st
}

func TestScheduler_Fire_EngineDispatchExhausted(t *testing.T) {
	d := &flakyDispatcher{failures: 100}
	s, st := newEngineScheduler(t, d)
	ctx := context.Background()

	sched, err := s.Create(ctx, CreateScheduleRequest{WorkflowID: "wf-1", CronExpression: "0 0 * * *"})
	require.NoError(t, err)

	err = s.fire(ctx, sched.ID, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
	assert.True(t, schema.IsCode(err, schema.ErrCodeDispatch), "got %v", err)
	assert.Equal(t, 3, d.calls)

	execs, err := st.ListExecutions(ctx, store.ExecutionFilter{WorkflowID: "wf-1"})
	require.NoError(t, err)
	require.Len(t, execs, 1, "retries reuse one execution")
	assert.Equal(t, schema.ExecutionStatusFailed, execs[0].Status)
	assert.Equal(t, schema.ExecutionModeScheduled, execs[0].Mode)
	assert.Contains(t, execs[0].ErrorMessage, "connection refused")

	wf, err := st.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), wf.FailureCount)
	assert.Equal(t, int64(1), wf.ExecutionCount)

	stored, err := st.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.FailureCount)
	assert.Equal(t, int64(0), stored.ExecutionCount)
}

func TestScheduler_Fire_EngineDispatchRecovers(t *testing.T) {
	d := &flakyDispatcher{failures: 2}
	s, st := newEngineScheduler(t, d)
	ctx := context.Background()

	sched, err := s.Create(ctx, CreateScheduleRequest{WorkflowID: "wf-1", CronExpression: "0 0 * * *"})
	require.NoError(t, err)
	require.NoError(t, s.fire(ctx, sched.ID, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)))

	execs, err := st.ListExecutions(ctx, store.ExecutionFilter{WorkflowID: "wf-1"})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, schema.ExecutionStatusPending, execs[0].Status)
	require.Len(t, d.enqueued, 1)
	assert.Equal(t, execs[0].ID, d.enqueued[0].ExecutionID)

	wf, err := st.GetWorkflow(ctx, "wf-1")
	require.NoError(t, err)
	assert.Zero(t, wf.FailureCount)

	stored, err := st.GetSchedule(ctx, sched.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.ExecutionCount)
	assert.Zero(t, stored.FailureCount)
}
