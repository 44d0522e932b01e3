package nodes

import (
	"context"
	"time"

	"github.com/rendis/nodeflow/internal/expressions"
	"github.com/rendis/nodeflow/pkg/schema"
)

// Builtins returns the generic runners shipped with nodeflow.
func Builtins() ([]Runner, error) {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	return []Runner{
		&triggerRunner{},
		&noopRunner{},
		&setRunner{},
		&waitRunner{},
		&exprRunner{engine: expressions.NewExprEngine()},
		&jqRunner{engine: expressions.NewGoJQEngine()},
		&filterRunner{engine: cel},
	}, nil
}

// NewBuiltinRegistry returns a Registry holding every built-in runner.
func NewBuiltinRegistry() (*Registry, error) {
	runners, err := Builtins()
	if err != nil {
		return nil, err
	}
	reg := NewRegistry()
	for _, r := range runners {
		if err := reg.Register(r); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// --- trigger ---

type triggerRunner struct{}

func (r *triggerRunner) Type() string { return schema.NodeTypeTrigger }

func (r *triggerRunner) Describe() RunnerInfo {
	return RunnerInfo{
		Description: "Entry point; passes the execution input through, merged with optional static data",
		ParamSchema: []byte(`{"type":"object","properties":{"data":{"type":"object"}}}`),
	}
}

func (r *triggerRunner) Execute(ctx context.Context, node schema.Node, input map[string]any, ec ExecutionContext) (map[string]any, error) {
	out := copyPayload(input)
	data, ok := node.Parameters["data"].(map[string]any)
	if !ok {
		return out, nil
	}
	resolved, err := expressions.Resolve(data, input)
	if err != nil {
		return nil, err
	}
	for k, v := range resolved.(map[string]any) {
		out[k] = v
	}
	return out, nil
}

// --- noop ---

type noopRunner struct{}

func (r *noopRunner) Type() string { return "noop" }

func (r *noopRunner) Describe() RunnerInfo {
	return RunnerInfo{Description: "Passes its input through unchanged"}
}

func (r *noopRunner) Execute(ctx context.Context, node schema.Node, input map[string]any, ec ExecutionContext) (map[string]any, error) {
	return copyPayload(input), nil
}

// --- set ---

type setRunner struct{}

func (r *setRunner) Type() string { return "set" }

func (r *setRunner) Describe() RunnerInfo {
	return RunnerInfo{
		Description: "Sets fields on the payload; string values may reference input fields with ${{ path }}",
		ParamSchema: []byte(`{
			"type": "object",
			"required": ["values"],
			"properties": {
				"values": {"type": "object"},
				"keep_only_set": {"type": "boolean"}
			}
		}`),
	}
}

func (r *setRunner) Execute(ctx context.Context, node schema.Node, input map[string]any, ec ExecutionContext) (map[string]any, error) {
	values, _ := node.Parameters["values"].(map[string]any)
	resolved, err := expressions.Resolve(values, input)
	if err != nil {
		return nil, err
	}

	out := map[string]any{}
	if keep, _ := node.Parameters["keep_only_set"].(bool); !keep {
		out = copyPayload(input)
	}
	if m, ok := resolved.(map[string]any); ok {
		for k, v := range m {
			out[k] = v
		}
	}
	return out, nil
}

// --- wait ---

type waitRunner struct{}

func (r *waitRunner) Type() string { return "wait" }

func (r *waitRunner) Describe() RunnerInfo {
	return RunnerInfo{
		Description: "Pauses for a duration, returning early when the execution is cancelled",
		ParamSchema: []byte(`{
			"type": "object",
			"required": ["duration"],
			"properties": {"duration": {"type": "string", "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"}}
		}`),
	}
}

func (r *waitRunner) Execute(ctx context.Context, node schema.Node, input map[string]any, ec ExecutionContext) (map[string]any, error) {
	raw, _ := node.Parameters["duration"].(string)
	d, err := time.ParseDuration(raw)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "wait: invalid duration %q", raw).WithCause(err)
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return copyPayload(input), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
