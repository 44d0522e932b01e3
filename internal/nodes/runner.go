package nodes

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/rendis/nodeflow/pkg/schema"
)

// Runner executes one node type. Runners are registered once at startup and
// resolved by node type for every node an execution visits.
type Runner interface {
	Type() string
	Describe() RunnerInfo
	Execute(ctx context.Context, node schema.Node, input map[string]any, ec ExecutionContext) (map[string]any, error)
}

// ExecutionContext describes the execution a node runs in.
type ExecutionContext struct {
	ExecutionID string
	WorkflowID  string
	UserID      string
	Mode        schema.ExecutionMode
	// Index and Total locate the node within the execution order.
	Index  int
	Total  int
	Logger *slog.Logger
}

// Vars returns the execution metadata as expression variables.
func (ec ExecutionContext) Vars() map[string]any {
	return map[string]any{
		"execution_id": ec.ExecutionID,
		"workflow_id":  ec.WorkflowID,
		"user_id":      ec.UserID,
		"mode":         string(ec.Mode),
	}
}

// RunnerInfo describes a registered runner.
type RunnerInfo struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	// ParamSchema is a JSON Schema for node parameters.
	ParamSchema json.RawMessage `json:"param_schema,omitempty"`
}

// copyPayload returns a shallow copy of in, never nil.
func copyPayload(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func nodeVars(node schema.Node) map[string]any {
	return map[string]any{"id": node.ID, "name": node.Name, "type": node.Type}
}

// Func adapts a plain function to the Runner interface.
type Func struct {
	NodeType    string
	Description string
	Fn          func(ctx context.Context, node schema.Node, input map[string]any, ec ExecutionContext) (map[string]any, error)
}

func (f *Func) Type() string { return f.NodeType }

func (f *Func) Describe() RunnerInfo {
	return RunnerInfo{Type: f.NodeType, Description: f.Description}
}

func (f *Func) Execute(ctx context.Context, node schema.Node, input map[string]any, ec ExecutionContext) (map[string]any, error) {
	return f.Fn(ctx, node, input, ec)
}
