package nodes

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rendis/nodeflow/pkg/schema"
)

// Registry is the thread-safe node type -> Runner map.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]Runner
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		runners: make(map[string]Runner),
	}
}

// Register adds a runner. Returns error on duplicate type.
func (r *Registry) Register(runner Runner) error {
	if runner == nil {
		return schema.NewError(schema.ErrCodeValidation, "runner is nil")
	}
	t := runner.Type()
	if t == "" {
		return schema.NewError(schema.ErrCodeValidation, "runner type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.runners[t]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "runner for node type %q already registered", t)
	}
	r.runners[t] = runner
	return nil
}

// MustRegister is Register for startup wiring; it panics on error.
func (r *Registry) MustRegister(runners ...Runner) {
	for _, runner := range runners {
		if err := r.Register(runner); err != nil {
			panic(fmt.Sprintf("register runner: %v", err))
		}
	}
}

// Get resolves the runner for a node type.
func (r *Registry) Get(nodeType string) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	runner, ok := r.runners[nodeType]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeUnknownNodeType, "no runner registered for node type %q", nodeType).
			WithDetails(map[string]any{"node_type": nodeType})
	}
	return runner, nil
}

// Has checks if a node type is registered.
func (r *Registry) Has(nodeType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.runners[nodeType]
	return ok
}

// ParamSchema returns the parameter JSON Schema of a node type, or nil.
func (r *Registry) ParamSchema(nodeType string) []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[nodeType]
	if !ok {
		return nil
	}
	return runner.Describe().ParamSchema
}

// List returns info for all registered runners, sorted by type.
func (r *Registry) List() []RunnerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]RunnerInfo, 0, len(r.runners))
	for _, runner := range r.runners {
		info := runner.Describe()
		info.Type = runner.Type()
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Type < infos[j].Type
	})
	return infos
}

// Count returns the number of registered runners.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runners)
}
