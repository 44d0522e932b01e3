package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, pool *WorkerPool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(ctx))
}

func TestWorkerPool_RunsJobsAndCounts(t *testing.T) {
	tests := []struct {
		name          string
		jobs          []func(context.Context) error
		wantCompleted int64
		wantFailed    int64
		wantPanics    int64
	}{
		{
			name:          "successes",
			jobs:          []func(context.Context) error{okJob, okJob, okJob},
			wantCompleted: 3,
		},
		{
			name:          "mixed results",
			jobs:          []func(context.Context) error{okJob, failJob, okJob, failJob},
			wantCompleted: 2,
			wantFailed:    2,
		},
		{
			name:          "panic counts as failure",
			jobs:          []func(context.Context) error{panicJob, okJob},
			wantCompleted: 1,
			wantFailed:    1,
			wantPanics:    1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := NewWorkerPool(2)
			for _, job := range tt.jobs {
				require.NoError(t, pool.Submit(context.Background(), job))
			}
			pool.Wait()

			m := pool.Metrics()
			assert.Equal(t, tt.wantCompleted, m.Completed)
			assert.Equal(t, tt.wantFailed, m.Failed)
			assert.Equal(t, tt.wantPanics, m.Panics)
			assert.Zero(t, m.Active)
			drain(t, pool)
		})
	}
}

func okJob(context.Context) error   { return nil }
func failJob(context.Context) error { return errors.New("node failed") }
func panicJob(context.Context) error {
	panic("runner blew up")
}

func TestWorkerPool_SizeFloor(t *testing.T) {
	assert.Equal(t, 1, NewWorkerPool(0).Size())
	assert.Equal(t, 4, NewWorkerPool(4).Size())
}

func TestWorkerPool_NeverExceedsSize(t *testing.T) {
	const size = 3
	pool := NewWorkerPool(size)

	var running, peak atomic.Int64
	for range 12 {
		require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return nil
		}))
	}
	drain(t, pool)

	assert.LessOrEqual(t, peak.Load(), int64(size))
	assert.Positive(t, peak.Load())
}

func TestWorkerPool_SubmitBlocksWhileFull(t *testing.T) {
	pool := NewWorkerPool(1)
	release := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		<-release
		return nil
	}))

	accepted := make(chan error, 1)
	go func() { accepted <- pool.Submit(context.Background(), okJob) }()

	select {
	case <-accepted:
		t.Fatal("submit returned while the only slot was busy")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-accepted:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("submit still blocked after the slot freed")
	}
	drain(t, pool)
}

func TestWorkerPool_SubmitHonorsContext(t *testing.T) {
	pool := NewWorkerPool(1)
	release := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		<-release
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.Submit(ctx, okJob), context.DeadlineExceeded)

	close(release)
	drain(t, pool)
}

func TestWorkerPool_JobSeesSubmitContext(t *testing.T) {
	type key struct{}
	pool := NewWorkerPool(1)
	got := make(chan any, 1)

	ctx := context.WithValue(context.Background(), key{}, "exec-42")
	require.NoError(t, pool.Submit(ctx, func(ctx context.Context) error {
		got <- ctx.Value(key{})
		return nil
	}))
	drain(t, pool)
	assert.Equal(t, "exec-42", <-got)
}

func TestWorkerPool_PanicHandler(t *testing.T) {
	var recovered atomic.Value
	var stackLen atomic.Int64
	pool := NewWorkerPool(1, WithPanicHandler(func(r any, stack []byte) {
		recovered.Store(r)
		stackLen.Store(int64(len(stack)))
	}))

	require.NoError(t, pool.Submit(context.Background(), panicJob))
	drain(t, pool)

	assert.Equal(t, "runner blew up", recovered.Load())
	assert.Positive(t, stackLen.Load())
}

func TestWorkerPool_ShutdownDrainsThenRefuses(t *testing.T) {
	pool := NewWorkerPool(2)

	var done atomic.Int64
	for range 6 {
		require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
			time.Sleep(5 * time.Millisecond)
			done.Add(1)
			return nil
		}))
	}
	drain(t, pool)

	assert.Equal(t, int64(6), done.Load())
	assert.ErrorIs(t, pool.Submit(context.Background(), okJob), ErrPoolShutdown)
	// Repeated shutdown is harmless.
	drain(t, pool)
}

func TestWorkerPool_ShutdownDeadline(t *testing.T) {
	pool := NewWorkerPool(1)
	release := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		<-release
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.Shutdown(ctx), context.DeadlineExceeded)
	assert.Equal(t, int64(1), pool.Metrics().Active)

	close(release)
	drain(t, pool)
	assert.Equal(t, int64(1), pool.Metrics().Completed)
}

func TestWorkerPool_ShutdownUnblocksWaitingSubmit(t *testing.T) {
	pool := NewWorkerPool(1)
	release := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		<-release
		return nil
	}))

	waiting := make(chan error, 1)
	go func() { waiting <- pool.Submit(context.Background(), okJob) }()
	time.Sleep(10 * time.Millisecond)

	shutdown := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		shutdown <- pool.Shutdown(ctx)
	}()

	select {
	case err := <-waiting:
		assert.ErrorIs(t, err, ErrPoolShutdown)
	case <-time.After(time.Second):
		t.Fatal("blocked submit was not released by shutdown")
	}

	close(release)
	assert.NoError(t, <-shutdown)
}
