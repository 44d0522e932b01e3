package expressions

import (
	"context"

	"github.com/itchyny/gojq"
)

// GoJQEngine transforms payloads with jq programs. Programs cannot read the
// process environment.
type GoJQEngine struct {
	programs *programs[*gojq.Code]
}

// NewGoJQEngine creates a GoJQEngine.
func NewGoJQEngine() *GoJQEngine {
	compile := func(expression string) (*gojq.Code, error) {
		query, err := gojq.Parse(expression)
		if err != nil {
			return nil, err
		}
		return gojq.Compile(query, gojq.WithEnvironLoader(func() []string { return nil }))
	}
	return &GoJQEngine{programs: newPrograms("jq", compile)}
}

// Name returns the engine identifier.
func (e *GoJQEngine) Name() string { return "jq" }

// Evaluate runs a jq program against data. A single output is returned as
// is, several are collected into []any and none yields nil.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	results, err := e.EvaluateAll(ctx, expression, data)
	if err != nil {
		return nil, err
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// EvaluateAll returns every output of the program.
func (e *GoJQEngine) EvaluateAll(ctx context.Context, expression string, data map[string]any) ([]any, error) {
	code, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}

	var input any = map[string]any{}
	if data != nil {
		input = jqValue(data)
	}

	var results []any
	iter := code.RunWithContext(ctx, input)
	for {
		v, ok := iter.Next()
		if !ok {
			return results, nil
		}
		if err, isErr := v.(error); isErr {
			return nil, evalError("jq", expression, err)
		}
		results = append(results, v)
	}
}

// Check parses and compiles expression.
func (e *GoJQEngine) Check(expression string) error {
	_, err := e.programs.get(expression)
	return err
}

// jqValue converts Go integer and float32 values to float64, the only
// number type gojq accepts besides int and *big.Int.
func jqValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = jqValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = jqValue(item)
		}
		return out
	case int64:
		return float64(val)
	case int32:
		return float64(val)
	case float32:
		return float64(val)
	case int:
		return float64(val)
	default:
		return v
	}
}

var (
	_ Engine  = (*GoJQEngine)(nil)
	_ Checker = (*GoJQEngine)(nil)
)
