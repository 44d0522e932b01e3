package expressions

import (
	"context"

	"github.com/google/cel-go/cel"

	"github.com/rendis/nodeflow/pkg/schema"
)

// celVariables are the top-level names visible to CEL programs.
var celVariables = []string{"input", "node", "execution"}

// CELEngine evaluates connection conditions and filter predicates.
// Every variable is a map(string, dyn):
//   - input:     the payload flowing into the node
//   - node:      id/name/type of the evaluating node
//   - execution: execution_id/workflow_id/mode
//
// Safe for concurrent use.
type CELEngine struct {
	programs *programs[cel.Program]
}

// NewCELEngine builds the CEL environment.
func NewCELEngine() (*CELEngine, error) {
	mapType := cel.MapType(cel.StringType, cel.DynType)
	opts := make([]cel.EnvOption, 0, len(celVariables))
	for _, name := range celVariables {
		opts = append(opts, cel.Variable(name, mapType))
	}
	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, err
	}

	compile := func(expression string) (cel.Program, error) {
		ast, issues := env.Compile(expression)
		if err := issues.Err(); err != nil {
			return nil, err
		}
		return env.Program(ast)
	}
	return &CELEngine{programs: newPrograms("cel", compile)}, nil
}

// Name returns the engine identifier.
func (e *CELEngine) Name() string { return "cel" }

// Evaluate runs expression. Variables missing from data are bound to empty maps.
func (e *CELEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.ContextEval(ctx, activation(data))
	if err != nil {
		return nil, evalError("cel", expression, err)
	}
	return out.Value(), nil
}

// EvaluateBool evaluates a predicate. Non-boolean results are errors.
func (e *CELEngine) EvaluateBool(ctx context.Context, expression string, data map[string]any) (bool, error) {
	out, err := e.Evaluate(ctx, expression, data)
	if err != nil {
		return false, err
	}
	b, ok := out.(bool)
	if !ok {
		return false, schema.NewErrorf(schema.ErrCodeNodeExecution, "cel: %q returned %T, want bool", expression, out).
			WithDetails(map[string]any{"expression": expression})
	}
	return b, nil
}

// Check compiles expression. Undeclared variables are compile errors.
func (e *CELEngine) Check(expression string) error {
	_, err := e.programs.get(expression)
	return err
}

func activation(data map[string]any) map[string]any {
	vars := make(map[string]any, len(celVariables))
	for _, key := range celVariables {
		if v, ok := data[key]; ok && v != nil {
			vars[key] = v
			continue
		}
		vars[key] = map[string]any{}
	}
	return vars
}

var (
	_ Engine  = (*CELEngine)(nil)
	_ Checker = (*CELEngine)(nil)
)
