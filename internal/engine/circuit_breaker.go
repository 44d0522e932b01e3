package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/nodeflow/pkg/schema"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, rejecting calls
	CircuitHalfOpen                     // Probing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures the circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of failures in closed state before opening the circuit.
	FailureThreshold int `yaml:"failure_threshold" validate:"gte=1"`
	// RecoveryTimeout is how long the circuit stays open before a probe is allowed.
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" validate:"gt=0"`
	// HalfOpenMaxCalls is both the probe concurrency limit and the number of
	// consecutive probe successes needed to close the circuit.
	HalfOpenMaxCalls int `yaml:"half_open_max_calls" validate:"gte=1"`
}

// DefaultCircuitBreakerConfig returns a sensible default configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		HalfOpenMaxCalls: 3,
	}
}

// CircuitBreakerState is a point-in-time view of one breaker.
type CircuitBreakerState struct {
	State           CircuitState `json:"-"`
	StateName       string       `json:"state"`
	FailureCount    int          `json:"failure_count"`
	SuccessCount    int          `json:"success_count"`
	LastFailureTime time.Time    `json:"last_failure_time,omitempty"`
	NextAttemptTime time.Time    `json:"next_attempt_time,omitempty"`
}

// StateChangeFunc observes breaker transitions.
type StateChangeFunc func(key string, from, to CircuitState)

// Operation is a unit of work guarded by a breaker or retried by a RetryExecutor.
type Operation func(ctx context.Context) (any, error)

// Fallback produces a result when the circuit rejects a call.
type Fallback func(ctx context.Context, err error) (any, error)

type circuitBreaker struct {
	mu sync.Mutex
	// generation changes on every state transition. Results of calls admitted
	// under an older generation are discarded.
	generation      uint64
	state           CircuitState
	failureCount    int
	successCount    int
	halfOpenCalls   int
	lastFailureTime time.Time
	nextAttemptTime time.Time
}

// CircuitBreakerRegistry manages per-key circuit breakers.
type CircuitBreakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*circuitBreaker
	config   CircuitBreakerConfig
	now      func() time.Time
	onChange StateChangeFunc
}

// CircuitBreakerOption customizes a registry.
type CircuitBreakerOption func(*CircuitBreakerRegistry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) CircuitBreakerOption {
	return func(r *CircuitBreakerRegistry) { r.now = now }
}

// WithStateChange registers an observer for state transitions.
func WithStateChange(fn StateChangeFunc) CircuitBreakerOption {
	return func(r *CircuitBreakerRegistry) { r.onChange = fn }
}

// NewCircuitBreakerRegistry creates a new registry with the given config.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig, opts ...CircuitBreakerOption) *CircuitBreakerRegistry {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 1
	}
	r := &CircuitBreakerRegistry{
		breakers: make(map[string]*circuitBreaker),
		config:   config,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute runs op under the breaker for key. When the circuit rejects the call,
// fallback is invoked if non-nil, otherwise a CIRCUIT_OPEN error is returned.
func (r *CircuitBreakerRegistry) Execute(ctx context.Context, key string, op Operation, fallback Fallback) (any, error) {
	t, err := r.admit(key)
	if err != nil {
		if fallback != nil {
			return fallback(ctx, err)
		}
		return nil, err
	}

	result, err := op(ctx)
	if err != nil {
		r.recordFailure(key, t)
		return nil, err
	}
	r.recordSuccess(key, t)
	return result, nil
}

// admission identifies the breaker generation a call was admitted under.
type admission struct {
	generation uint64
}

// admit decides whether a call may proceed, moving open to half-open once the recovery timeout elapsed.
func (r *CircuitBreakerRegistry) admit(key string) (admission, error) {
	cb := r.getOrCreate(key)
	cb.mu.Lock()

	now := r.now()
	from := cb.state
	if cb.state == CircuitOpen && !now.Before(cb.nextAttemptTime) {
		cb.setState(CircuitHalfOpen)
		cb.successCount = 0
		cb.halfOpenCalls = 0
	}

	var err error
	switch cb.state {
	case CircuitOpen:
		err = r.openError(key, cb, now)
	case CircuitHalfOpen:
		if cb.halfOpenCalls >= r.config.HalfOpenMaxCalls {
			err = schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit breaker half-open for %q: max probe calls in flight", key).
				WithDetails(map[string]any{"key": key, "state": cb.state.String()})
		} else {
			cb.halfOpenCalls++
		}
	}
	t := admission{generation: cb.generation}
	to := cb.state
	cb.mu.Unlock()

	r.notify(key, from, to)
	return t, err
}

func (r *CircuitBreakerRegistry) openError(key string, cb *circuitBreaker, now time.Time) error {
	return schema.NewErrorf(schema.ErrCodeCircuitOpen,
		"circuit breaker open for %q: %d failures, next attempt at %s",
		key, cb.failureCount, cb.nextAttemptTime.Format(time.RFC3339)).
		WithDetails(map[string]any{
			"key":                key,
			"failure_count":      cb.failureCount,
			"state":              cb.state.String(),
			"recovery_remaining": cb.nextAttemptTime.Sub(now).String(),
		})
}

func (r *CircuitBreakerRegistry) recordSuccess(key string, t admission) {
	cb := r.getOrCreate(key)
	cb.mu.Lock()
	if t.generation != cb.generation {
		cb.mu.Unlock()
		return
	}

	from := cb.state
	switch cb.state {
	case CircuitClosed:
		cb.failureCount = 0
	case CircuitHalfOpen:
		cb.halfOpenCalls--
		cb.successCount++
		if cb.successCount >= r.config.HalfOpenMaxCalls {
			cb.setState(CircuitClosed)
			cb.failureCount = 0
			cb.successCount = 0
			cb.halfOpenCalls = 0
			cb.nextAttemptTime = time.Time{}
		}
	}
	to := cb.state
	cb.mu.Unlock()

	r.notify(key, from, to)
}

func (r *CircuitBreakerRegistry) recordFailure(key string, t admission) {
	cb := r.getOrCreate(key)
	cb.mu.Lock()
	if t.generation != cb.generation {
		cb.mu.Unlock()
		return
	}

	now := r.now()
	from := cb.state
	cb.failureCount++
	cb.lastFailureTime = now

	switch cb.state {
	case CircuitHalfOpen:
		cb.setState(CircuitOpen)
		cb.successCount = 0
		cb.halfOpenCalls = 0
		cb.nextAttemptTime = now.Add(r.config.RecoveryTimeout)
	case CircuitClosed:
		if cb.failureCount >= r.config.FailureThreshold {
			cb.setState(CircuitOpen)
			cb.nextAttemptTime = now.Add(r.config.RecoveryTimeout)
		}
	}
	to := cb.state
	cb.mu.Unlock()

	r.notify(key, from, to)
}

// setState moves the breaker to state and starts a new generation. Caller holds mu.
func (cb *circuitBreaker) setState(state CircuitState) {
	cb.state = state
	cb.generation++
}

// State returns the current state for key without side effects.
func (r *CircuitBreakerRegistry) State(key string) CircuitState {
	return r.Snapshot(key).State
}

// Snapshot returns diagnostic information about the breaker for key.
func (r *CircuitBreakerRegistry) Snapshot(key string) CircuitBreakerState {
	cb := r.getOrCreate(key)
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerState{
		State:           cb.state,
		StateName:       cb.state.String(),
		FailureCount:    cb.failureCount,
		SuccessCount:    cb.successCount,
		LastFailureTime: cb.lastFailureTime,
		NextAttemptTime: cb.nextAttemptTime,
	}
}

// Reset forces the breaker for key back to closed.
func (r *CircuitBreakerRegistry) Reset(key string) {
	cb := r.getOrCreate(key)
	cb.mu.Lock()
	from := cb.state
	cb.setState(CircuitClosed)
	cb.failureCount = 0
	cb.successCount = 0
	cb.halfOpenCalls = 0
	cb.lastFailureTime = time.Time{}
	cb.nextAttemptTime = time.Time{}
	cb.mu.Unlock()

	r.notify(key, from, CircuitClosed)
}

func (r *CircuitBreakerRegistry) notify(key string, from, to CircuitState) {
	if from != to && r.onChange != nil {
		r.onChange(key, from, to)
	}
}

func (r *CircuitBreakerRegistry) getOrCreate(key string) *circuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.breakers[key]
	if !ok {
		cb = &circuitBreaker{state: CircuitClosed}
		r.breakers[key] = cb
	}
	return cb
}
