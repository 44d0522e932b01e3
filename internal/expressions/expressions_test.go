package expressions

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/rendis/nodeflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- CEL ---

func TestNewCELEngine(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	assert.Equal(t, "cel", e.Name())
}

func TestCEL_IntegerArithmetic(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	out, err := e.Evaluate(context.Background(), "1 + 2", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), out)
}

func TestCEL_InputAccess(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	data := map[string]any{"input": map[string]any{"status": "ok", "count": 3}}
	ok, err := e.EvaluateBool(context.Background(), `input.status == "ok" && input.count > 2`, data)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCEL_MissingVariablesDefaultToEmpty(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	ok, err := e.EvaluateBool(context.Background(), `size(node) == 0`, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCEL_EvaluateBool_NonBool(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	_, err = e.EvaluateBool(context.Background(), `"x"`, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNodeExecution))
}

func TestCEL_Check(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	assert.NoError(t, e.Check(`input.x > 1`))

	err = e.Check(`input.x >`)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	err = e.Check(`unknown_var == 1`)
	require.Error(t, err, "undeclared variables are compile errors")

	assert.Error(t, e.Check(""))
}

func TestCEL_ConcurrentEvaluate(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			out, err := e.Evaluate(context.Background(), "input.n * 2", map[string]any{"input": map[string]any{"n": n}})
			assert.NoError(t, err)
			assert.Equal(t, int64(n*2), out)
		}(i)
	}
	wg.Wait()
}

// --- Expr ---

func TestExpr_PayloadVariables(t *testing.T) {
	e := NewExprEngine()
	assert.Equal(t, "expr", e.Name())

	out, err := e.Evaluate(context.Background(), "price * qty", map[string]any{"price": 3, "qty": 4})
	require.NoError(t, err)
	assert.Equal(t, 12, out)
}

func TestExpr_SameProgramDifferentShapes(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), "value ?? 'none'", map[string]any{"value": 7})
	require.NoError(t, err)
	assert.Equal(t, 7, out)

	out, err = e.Evaluate(context.Background(), "value ?? 'none'", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, "none", out)
}

func TestExpr_CompileError(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), "1 +", nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.Error(t, e.Check("(("))
	assert.NoError(t, e.Check("a + b"))
}

// --- GoJQ ---

func TestGoJQ_SelectField(t *testing.T) {
	e := NewGoJQEngine()
	assert.Equal(t, "jq", e.Name())

	out, err := e.Evaluate(context.Background(), ".name", map[string]any{"name": "nodeflow"})
	require.NoError(t, err)
	assert.Equal(t, "nodeflow", out)
}

func TestGoJQ_NormalizesIntegers(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), ".n + 1", map[string]any{"n": int64(41)})
	require.NoError(t, err)
	assert.Equal(t, float64(42), out)
}

func TestGoJQ_MultipleOutputs(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), ".items[]", map[string]any{"items": []any{1, 2}})
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1), float64(2)}, out)

	all, err := e.EvaluateAll(context.Background(), "empty", nil)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestGoJQ_Errors(t *testing.T) {
	e := NewGoJQEngine()

	_, err := e.Evaluate(context.Background(), ".[", nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.Evaluate(context.Background(), `error("boom")`, nil)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNodeExecution))

	_, err = e.Evaluate(context.Background(), "", nil)
	assert.Error(t, err)
}

func TestGoJQ_NoEnvAccess(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), "$ENV | length", nil)
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}

// --- Interpolation ---

func TestResolve_WholeReferenceKeepsType(t *testing.T) {
	data := map[string]any{"user": map[string]any{"age": 30, "tags": []any{"a"}}}

	out, err := Resolve("${{ user.age }}", data)
	require.NoError(t, err)
	assert.Equal(t, 30, out)

	out, err = Resolve("${{user.tags}}", data)
	require.NoError(t, err)
	assert.Equal(t, []any{"a"}, out)
}

func TestResolve_EmbeddedReferences(t *testing.T) {
	data := map[string]any{"first": "Ada", "n": 2}

	out, err := Resolve("hi ${{ first }}, you have ${{ n }} items", data)
	require.NoError(t, err)
	assert.Equal(t, "hi Ada, you have 2 items", out)
}

func TestResolve_WalksNestedValues(t *testing.T) {
	data := map[string]any{"id": "x1"}
	in := map[string]any{
		"ref":   "${{ id }}",
		"list":  []any{"${{ id }}", 5},
		"plain": true,
	}

	out, err := Resolve(in, data)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ref": "x1", "list": []any{"x1", 5}, "plain": true}, out)
	assert.Equal(t, "${{ id }}", in["ref"], "input is not mutated")
}

func TestResolve_Errors(t *testing.T) {
	data := map[string]any{"a": map[string]any{"b": 1}}

	_, err := Resolve("${{ a.c }}", data)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "available: [b]")

	_, err = Resolve("x ${{ a.b", data)
	assert.Error(t, err)

	_, err = Resolve("${{ a.b.c }}", data)
	assert.Error(t, err)

	_, err = Resolve("${{  }}", data)
	assert.Error(t, err)
}

// --- Program cache ---

func TestPrograms_CompilesOncePerExpression(t *testing.T) {
	var compiles atomic.Int32
	p := newPrograms("test", func(expression string) (string, error) {
		compiles.Add(1)
		if expression == "bad" {
			return "", errors.New("syntax error")
		}
		return "compiled:" + expression, nil
	})

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			prg, err := p.get("x + 1")
			assert.NoError(t, err)
			assert.Equal(t, "compiled:x + 1", prg)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), compiles.Load())
	assert.Equal(t, 1, p.size())

	_, err := p.get("bad")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
	assert.Contains(t, err.Error(), `test: cannot compile "bad"`)
	assert.Equal(t, 1, p.size(), "failures are not cached")

	_, err = p.get("")
	require.Error(t, err)
	assert.Equal(t, int32(2), compiles.Load(), "empty expressions never reach the compiler")
}

func TestEvalErrorCarriesExpression(t *testing.T) {
	err := evalError("cel", "input.x / 0", errors.New("division by zero"))

	assert.Equal(t, schema.ErrCodeNodeExecution, err.Code)
	assert.Equal(t, "input.x / 0", err.Details["expression"])
	assert.ErrorContains(t, err, "division by zero")
}
