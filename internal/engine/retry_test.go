package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rendis/nodeflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func recordingSleep(delays *[]time.Duration) func(ctx context.Context, d time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

func TestComputeDelay_BackoffBounds(t *testing.T) {
	cfg := RetryConfig{BaseDelay: 1000 * time.Millisecond, BackoffMultiplier: 2, MaxDelay: 30000 * time.Millisecond}

	want := []time.Duration{1000, 2000, 4000, 8000, 16000, 30000, 30000}
	for i, w := range want {
		assert.Equal(t, w*time.Millisecond, ComputeDelay(cfg, i+1), "attempt %d", i+1)
	}
}

func TestComputeDelay_NoCap(t *testing.T) {
	cfg := RetryConfig{BaseDelay: 10 * time.Millisecond, BackoffMultiplier: 3}
	assert.Equal(t, 90*time.Millisecond, ComputeDelay(cfg, 3))
	assert.Equal(t, 10*time.Millisecond, ComputeDelay(cfg, 0))
}

func TestExecuteWithRetry_SucceedsEventually(t *testing.T) {
	var delays []time.Duration
	re := NewRetryExecutor(WithSleep(recordingSleep(&delays)))

	calls := 0
	res := re.ExecuteWithRetry(context.Background(), func(ctx context.Context) (any, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("temporary")
		}
		return 42, nil
	}, RetryConfig{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: time.Minute, BackoffMultiplier: 2})

	assert.True(t, res.Success)
	assert.Equal(t, 42, res.Result)
	assert.Equal(t, 3, res.Attempts)
	assert.NoError(t, res.Err)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, delays)
}

func TestExecuteWithRetry_Exhausted(t *testing.T) {
	var delays []time.Duration
	re := NewRetryExecutor(WithSleep(recordingSleep(&delays)))

	calls := 0
	res := re.ExecuteWithRetry(context.Background(), func(ctx context.Context) (any, error) {
		calls++
		return nil, errors.New("always")
	}, RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, BackoffMultiplier: 2})

	assert.False(t, res.Success)
	assert.EqualError(t, res.Err, "always")
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, 3, calls)
	assert.Len(t, delays, 2, "no wait after the final attempt")
}

func TestExecuteWithRetry_NonRetryableStopsImmediately(t *testing.T) {
	var delays []time.Duration
	re := NewRetryExecutor(WithSleep(recordingSleep(&delays)))

	calls := 0
	res := re.ExecuteWithRetry(context.Background(), func(ctx context.Context) (any, error) {
		calls++
		return nil, schema.NewError(schema.ErrCodeValidation, "bad input")
	}, RetryConfig{MaxAttempts: 5, BaseDelay: time.Millisecond, RetryableErrors: []string{"ECONNRESET", "DISPATCH"}})

	assert.False(t, res.Success)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, delays)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil, nil))
	assert.True(t, IsRetryable(errors.New("anything"), nil))
	assert.False(t, IsRetryable(context.Canceled, nil))
	assert.True(t, IsRetryable(errors.New("read: ECONNRESET"), []string{"ECONNRESET"}))
	assert.True(t, IsRetryable(schema.NewError(schema.ErrCodeDispatch, "queue down"), []string{"DISPATCH"}))
	assert.False(t, IsRetryable(errors.New("nope"), []string{"ETIMEDOUT"}))
}

func TestExecuteWithRetry_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	re := NewRetryExecutor()

	calls := 0
	done := make(chan RetryResult, 1)
	go func() {
		done <- re.ExecuteWithRetry(ctx, func(ctx context.Context) (any, error) {
			calls++
			return nil, errors.New("fail")
		}, RetryConfig{MaxAttempts: 5, BaseDelay: time.Hour, BackoffMultiplier: 1})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case res := <-done:
		assert.False(t, res.Success)
		assert.ErrorIs(t, res.Err, context.Canceled)
		assert.Equal(t, 1, res.Attempts)
	case <-time.After(2 * time.Second):
		t.Fatal("retry did not return after cancellation")
	}
}

func TestExecuteWithRetry_JitterWithinBounds(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		r := rapid.Float64Range(0, 0.999999).Draw(rt, "r")
		var delays []time.Duration
		re := NewRetryExecutor(WithSleep(recordingSleep(&delays)), WithRandom(func() float64 { return r }))

		cfg := RetryConfig{
			MaxAttempts:       rapid.IntRange(2, 8).Draw(rt, "attempts"),
			BaseDelay:         time.Duration(rapid.IntRange(1, 1000).Draw(rt, "base")) * time.Millisecond,
			MaxDelay:          30 * time.Second,
			BackoffMultiplier: 2,
			Jitter:            true,
		}
		res := re.ExecuteWithRetry(context.Background(), func(ctx context.Context) (any, error) {
			return nil, errors.New("x")
		}, cfg)
		require.Equal(rt, cfg.MaxAttempts, res.Attempts)

		for i, d := range delays {
			full := ComputeDelay(cfg, i+1)
			if d < full/2 || d > full {
				rt.Fatalf("delay %v for attempt %d outside [%v, %v]", d, i+1, full/2, full)
			}
		}
	})
}

func TestWaitForBackoff(t *testing.T) {
	assert.NoError(t, WaitForBackoff(context.Background(), 0))
	assert.NoError(t, WaitForBackoff(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, WaitForBackoff(ctx, time.Hour), context.Canceled)
}
