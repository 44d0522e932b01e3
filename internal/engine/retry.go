package engine

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/rendis/nodeflow/pkg/schema"
)

// RetryConfig configures ExecuteWithRetry.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts" validate:"gte=1"`
	BaseDelay         time.Duration `yaml:"base_delay" validate:"gte=0"`
	MaxDelay          time.Duration `yaml:"max_delay" validate:"gte=0"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" validate:"gte=1"`
	Jitter            bool          `yaml:"jitter"`
	// RetryableErrors restricts retries to errors whose code or message contains
	// one of these substrings. Empty means every error is retryable.
	RetryableErrors []string `yaml:"retryable_errors"`
}

// DefaultRetryConfig returns a sensible default configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
		Jitter:            true,
	}
}

// RetryResult is the outcome of ExecuteWithRetry.
type RetryResult struct {
	Success       bool
	Result        any
	Err           error
	Attempts      int
	TotalDuration time.Duration
}

// RetryExecutor runs operations with bounded attempts and exponential backoff.
type RetryExecutor struct {
	sleep  func(ctx context.Context, d time.Duration) error
	random func() float64
	now    func() time.Time
}

// RetryOption customizes a RetryExecutor.
type RetryOption func(*RetryExecutor)

// WithSleep overrides the wait between attempts.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) RetryOption {
	return func(e *RetryExecutor) { e.sleep = fn }
}

// WithRandom overrides the jitter source; fn must return values in [0, 1).
func WithRandom(fn func() float64) RetryOption {
	return func(e *RetryExecutor) { e.random = fn }
}

// NewRetryExecutor creates a RetryExecutor.
func NewRetryExecutor(opts ...RetryOption) *RetryExecutor {
	e := &RetryExecutor{
		sleep:  WaitForBackoff,
		random: rand.Float64,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ExecuteWithRetry calls op until it succeeds, returns a non-retryable error,
// exhausts cfg.MaxAttempts, or ctx is done.
func (e *RetryExecutor) ExecuteWithRetry(ctx context.Context, op Operation, cfg RetryConfig) RetryResult {
	start := e.now()
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var lastErr error
	attempt := 0
	for attempt < maxAttempts {
		attempt++
		result, err := op(ctx)
		if err == nil {
			return RetryResult{Success: true, Result: result, Attempts: attempt, TotalDuration: e.now().Sub(start)}
		}
		lastErr = err

		if !IsRetryable(err, cfg.RetryableErrors) || attempt == maxAttempts {
			break
		}

		delay := ComputeDelay(cfg, attempt)
		if cfg.Jitter {
			delay = time.Duration(float64(delay) * (0.5 + e.random()*0.5))
		}
		if werr := e.sleep(ctx, delay); werr != nil {
			lastErr = werr
			break
		}
	}

	return RetryResult{Err: lastErr, Attempts: attempt, TotalDuration: e.now().Sub(start)}
}

// IsRetryable reports whether err may be retried given a substring allow-list.
// Context cancellation is never retried.
func IsRetryable(err error, retryable []string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if len(retryable) == 0 {
		return true
	}

	code := schema.CodeOf(err)
	msg := err.Error()
	for _, s := range retryable {
		if s == "" {
			continue
		}
		if (code != "" && strings.Contains(code, s)) || strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// ComputeDelay returns the pre-jitter delay applied after attempt n (n >= 1):
// min(BaseDelay * BackoffMultiplier^(n-1), MaxDelay).
func ComputeDelay(cfg RetryConfig, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	mult := cfg.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	d := float64(cfg.BaseDelay) * math.Pow(mult, float64(n-1))
	if cfg.MaxDelay > 0 && d > float64(cfg.MaxDelay) {
		return cfg.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// WaitForBackoff sleeps for delay or returns early with ctx's error.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
