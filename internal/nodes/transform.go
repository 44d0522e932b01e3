package nodes

import (
	"context"

	"github.com/rendis/nodeflow/internal/expressions"
	"github.com/rendis/nodeflow/pkg/schema"
)

const defaultResultField = "result"

func resultField(node schema.Node) string {
	if f, ok := node.Parameters["field"].(string); ok && f != "" {
		return f
	}
	return defaultResultField
}

// --- expr ---

type exprRunner struct {
	engine *expressions.ExprEngine
}

func (r *exprRunner) Type() string { return "expr" }

func (r *exprRunner) Describe() RunnerInfo {
	return RunnerInfo{
		Description: "Evaluates an Expr expression over the payload and stores the result in a field",
		ParamSchema: []byte(`{
			"type": "object",
			"required": ["expression"],
			"properties": {
				"expression": {"type": "string", "minLength": 1},
				"field": {"type": "string", "minLength": 1}
			}
		}`),
	}
}

func (r *exprRunner) Execute(ctx context.Context, node schema.Node, input map[string]any, ec ExecutionContext) (map[string]any, error) {
	expression, _ := node.Parameters["expression"].(string)

	env := copyPayload(input)
	if _, ok := env["execution"]; !ok {
		env["execution"] = ec.Vars()
	}
	if _, ok := env["node"]; !ok {
		env["node"] = nodeVars(node)
	}

	result, err := r.engine.Evaluate(ctx, expression, env)
	if err != nil {
		return nil, err
	}

	out := copyPayload(input)
	out[resultField(node)] = result
	return out, nil
}

// --- jq ---

type jqRunner struct {
	engine *expressions.GoJQEngine
}

func (r *jqRunner) Type() string { return "jq" }

func (r *jqRunner) Describe() RunnerInfo {
	return RunnerInfo{
		Description: "Transforms the payload with a jq program; object results replace the payload",
		ParamSchema: []byte(`{
			"type": "object",
			"required": ["query"],
			"properties": {
				"query": {"type": "string", "minLength": 1},
				"field": {"type": "string", "minLength": 1}
			}
		}`),
	}
}

func (r *jqRunner) Execute(ctx context.Context, node schema.Node, input map[string]any, ec ExecutionContext) (map[string]any, error) {
	query, _ := node.Parameters["query"].(string)

	result, err := r.engine.Evaluate(ctx, query, input)
	if err != nil {
		return nil, err
	}
	if m, ok := result.(map[string]any); ok {
		return m, nil
	}

	out := copyPayload(input)
	out[resultField(node)] = result
	return out, nil
}

// --- filter ---

type filterRunner struct {
	engine *expressions.CELEngine
}

func (r *filterRunner) Type() string { return "filter" }

func (r *filterRunner) Describe() RunnerInfo {
	return RunnerInfo{
		Description: "Evaluates a CEL predicate over the payload; a false result stops the execution unless halt is false",
		ParamSchema: []byte(`{
			"type": "object",
			"required": ["condition"],
			"properties": {
				"condition": {"type": "string", "minLength": 1},
				"halt": {"type": "boolean"}
			}
		}`),
	}
}

func (r *filterRunner) Execute(ctx context.Context, node schema.Node, input map[string]any, ec ExecutionContext) (map[string]any, error) {
	condition, _ := node.Parameters["condition"].(string)

	pass, err := r.engine.EvaluateBool(ctx, condition, map[string]any{
		"input":     input,
		"node":      nodeVars(node),
		"execution": ec.Vars(),
	})
	if err != nil {
		return nil, err
	}

	out := copyPayload(input)
	if pass {
		return out, nil
	}
	if halt, ok := node.Parameters["halt"].(bool); ok && !halt {
		out["filtered"] = true
		return out, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeNodeExecution, "filter rejected item: %s", condition).
		WithNode(node.ID).
		WithDetails(map[string]any{"condition": condition})
}
