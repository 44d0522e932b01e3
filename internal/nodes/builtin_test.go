package nodes

import (
	"context"
	"testing"
	"time"

	"github.com/rendis/nodeflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runBuiltin(t *testing.T, node schema.Node, input map[string]any) (map[string]any, error) {
	t.Helper()
	reg, err := NewBuiltinRegistry()
	require.NoError(t, err)
	r, err := reg.Get(node.Type)
	require.NoError(t, err)
	ec := ExecutionContext{ExecutionID: "exec-1", WorkflowID: "wf-1", Mode: schema.ExecutionModeManual}
	return r.Execute(context.Background(), node, input, ec)
}

func TestBuiltins_AllRegistered(t *testing.T) {
	reg, err := NewBuiltinRegistry()
	require.NoError(t, err)
	for _, typ := range []string{"trigger", "noop", "set", "wait", "expr", "jq", "filter"} {
		assert.True(t, reg.Has(typ), typ)
	}
}

func TestTrigger_MergesStaticData(t *testing.T) {
	out, err := runBuiltin(t, schema.Node{
		ID: "t", Type: "trigger",
		Parameters: map[string]any{"data": map[string]any{"source": "manual", "echo": "${{ user }}"}},
	}, map[string]any{"user": "ada"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"user": "ada", "source": "manual", "echo": "ada"}, out)
}

func TestNoop_CopiesInput(t *testing.T) {
	in := map[string]any{"a": 1}
	out, err := runBuiltin(t, schema.Node{ID: "n", Type: "noop"}, in)
	require.NoError(t, err)
	out["b"] = 2
	assert.NotContains(t, in, "b", "input must not be mutated")
}

func TestSet_InterpolatesValues(t *testing.T) {
	out, err := runBuiltin(t, schema.Node{
		ID: "s", Type: "set",
		Parameters: map[string]any{"values": map[string]any{
			"greeting": "hello ${{ name }}",
			"copy":     "${{ count }}",
		}},
	}, map[string]any{"name": "bob", "count": 3})
	require.NoError(t, err)
	assert.Equal(t, "hello bob", out["greeting"])
	assert.Equal(t, 3, out["copy"])
	assert.Equal(t, "bob", out["name"])
}

func TestSet_KeepOnlySet(t *testing.T) {
	out, err := runBuiltin(t, schema.Node{
		ID: "s", Type: "set",
		Parameters: map[string]any{"keep_only_set": true, "values": map[string]any{"x": 1}},
	}, map[string]any{"drop": true})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 1}, out)
}

func TestExpr_StoresResult(t *testing.T) {
	out, err := runBuiltin(t, schema.Node{
		ID: "e", Type: "expr",
		Parameters: map[string]any{"expression": "price * qty", "field": "total"},
	}, map[string]any{"price": 5, "qty": 2})
	require.NoError(t, err)
	assert.Equal(t, 10, out["total"])
}

func TestExpr_ExecutionVars(t *testing.T) {
	out, err := runBuiltin(t, schema.Node{
		ID: "e", Type: "expr",
		Parameters: map[string]any{"expression": "execution.workflow_id + ':' + node.id"},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "wf-1:e", out["result"])
	assert.NotContains(t, out, "execution", "helper variables are not leaked into the payload")
}

func TestJQ_ObjectReplacesPayload(t *testing.T) {
	out, err := runBuiltin(t, schema.Node{
		ID: "j", Type: "jq",
		Parameters: map[string]any{"query": "{names: [.users[].name]}"},
	}, map[string]any{"users": []any{map[string]any{"name": "a"}, map[string]any{"name": "b"}}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"names": []any{"a", "b"}}, out)
}

func TestJQ_ScalarGoesToField(t *testing.T) {
	out, err := runBuiltin(t, schema.Node{
		ID: "j", Type: "jq",
		Parameters: map[string]any{"query": ".items | length", "field": "count"},
	}, map[string]any{"items": []any{1, 2, 3}})
	require.NoError(t, err)
	assert.Equal(t, 3, out["count"])
}

func TestFilter_PassAndReject(t *testing.T) {
	node := schema.Node{ID: "f", Type: "filter", Parameters: map[string]any{"condition": "input.amount > 100"}}

	out, err := runBuiltin(t, node, map[string]any{"amount": 150})
	require.NoError(t, err)
	assert.Equal(t, 150, out["amount"])

	_, err = runBuiltin(t, node, map[string]any{"amount": 5})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNodeExecution))
	assert.Contains(t, err.Error(), "filter rejected item")
}

func TestFilter_NoHalt(t *testing.T) {
	out, err := runBuiltin(t, schema.Node{
		ID: "f", Type: "filter",
		Parameters: map[string]any{"condition": "input.ok", "halt": false},
	}, map[string]any{"ok": false})
	require.NoError(t, err)
	assert.Equal(t, true, out["filtered"])
}

func TestWait_HonorsCancellation(t *testing.T) {
	reg, err := NewBuiltinRegistry()
	require.NoError(t, err)
	r, err := reg.Get("wait")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err = r.Execute(ctx, schema.Node{ID: "w", Type: "wait", Parameters: map[string]any{"duration": "1h"}}, nil, ExecutionContext{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWait_InvalidDuration(t *testing.T) {
	_, err := runBuiltin(t, schema.Node{ID: "w", Type: "wait", Parameters: map[string]any{"duration": "soon"}}, nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}
