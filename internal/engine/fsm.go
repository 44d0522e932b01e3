package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/rendis/nodeflow/pkg/schema"
)

// TransitionHook is called before or after a state transition.
type TransitionHook func(ctx context.Context, executionID string, from, to schema.ExecutionStatus) error

type hookKey struct {
	from, to schema.ExecutionStatus
}

// ExecutionFSM validates execution lifecycle transitions and runs hooks around them.
// The caller is responsible for persisting the new state.
type ExecutionFSM struct {
	mu     sync.RWMutex
	before map[hookKey][]TransitionHook
	after  map[hookKey][]TransitionHook
	any    []TransitionHook
}

// NewExecutionFSM creates an ExecutionFSM with no hooks.
func NewExecutionFSM() *ExecutionFSM {
	return &ExecutionFSM{
		before: make(map[hookKey][]TransitionHook),
		after:  make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a specific transition. A hook error aborts it.
func (f *ExecutionFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a specific transition.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := hookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// OnAny registers a hook called after every valid transition.
func (f *ExecutionFSM) OnAny(hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.any = append(f.any, hook)
}

// Check reports whether from -> to is allowed, without running hooks.
func (f *ExecutionFSM) Check(executionID string, from, to schema.ExecutionStatus) error {
	if from.IsTerminal() {
		return schema.NewErrorf(schema.ErrCodeAlreadyTerminal,
			"execution %s is already %s", executionID, from).
			WithDetails(map[string]any{"execution_id": executionID, "status": string(from)})
	}
	if !isValidExecutionTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}
	return nil
}

// Transition validates from -> to and runs the before hooks. A hook error
// aborts the transition. Call AfterTransition once the new state is persisted.
func (f *ExecutionFSM) Transition(ctx context.Context, executionID string, from, to schema.ExecutionStatus) error {
	if err := f.Check(executionID, from, to); err != nil {
		return err
	}

	f.mu.RLock()
	before := append([]TransitionHook(nil), f.before[hookKey{from, to}]...)
	f.mu.RUnlock()

	for _, hook := range before {
		if err := hook(ctx, executionID, from, to); err != nil {
			return err
		}
	}
	return nil
}

// AfterTransition runs the after hooks of from -> to. Hook errors are returned
// but the transition itself is already committed.
func (f *ExecutionFSM) AfterTransition(ctx context.Context, executionID string, from, to schema.ExecutionStatus) error {
	f.mu.RLock()
	after := append([]TransitionHook(nil), f.after[hookKey{from, to}]...)
	after = append(after, f.any...)
	f.mu.RUnlock()

	var errs []error
	for _, hook := range after {
		if err := hook(ctx, executionID, from, to); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func isValidExecutionTransition(from, to schema.ExecutionStatus) bool {
	for _, a := range ValidExecutionTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// ValidExecutionTransitions defines the allowed state transitions for executions.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusPending: {
		schema.ExecutionStatusRunning, schema.ExecutionStatusCancelled, schema.ExecutionStatusTimeout,
		// A dispatch failure fails the execution before it ever runs.
		schema.ExecutionStatusFailed,
	},
	schema.ExecutionStatusRunning: {
		schema.ExecutionStatusCompleted, schema.ExecutionStatusFailed,
		schema.ExecutionStatusCancelled, schema.ExecutionStatusTimeout,
	},
	schema.ExecutionStatusCompleted: {},
	schema.ExecutionStatusFailed:    {},
	schema.ExecutionStatusCancelled: {},
	schema.ExecutionStatusTimeout:   {},
}

// nonTerminalStatuses lists the statuses an out-of-band transition may start from.
var nonTerminalStatuses = []schema.ExecutionStatus{schema.ExecutionStatusPending, schema.ExecutionStatusRunning}
