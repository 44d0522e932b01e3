package validation

import (
	"fmt"

	"github.com/rendis/nodeflow/internal/expressions"
	"github.com/rendis/nodeflow/pkg/schema"
)

// NodeTypeLookup resolves node types registered with the runner registry.
type NodeTypeLookup interface {
	Has(nodeType string) bool
	// ParamSchema returns the JSON Schema for a node type's parameters, or nil.
	ParamSchema(nodeType string) []byte
}

// WorkflowValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Graph (references, self-loops, cycles, isolated nodes)
// 3. Semantic (node types, parameters, connection conditions)
type WorkflowValidator struct {
	schemas    *SchemaValidator
	types      NodeTypeLookup
	conditions expressions.Checker
}

// NewWorkflowValidator creates a WorkflowValidator.
// types may be nil to skip node type checks; conditions may be nil to skip condition compilation.
func NewWorkflowValidator(types NodeTypeLookup, conditions expressions.Checker) (*WorkflowValidator, error) {
	sv, err := NewSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &WorkflowValidator{
		schemas:    sv,
		types:      types,
		conditions: conditions,
	}, nil
}

// Validate runs the full pipeline. Structural errors short-circuit the later stages.
func (wv *WorkflowValidator) Validate(g schema.WorkflowGraph) *schema.GraphResult {
	result := &schema.GraphResult{}
	violations, err := wv.schemas.CheckDocument(g)
	if err != nil {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}
	if len(violations) > 0 {
		addViolations(&result.ValidationResult, violations)
		return result
	}

	graph := ValidateGraph(g)
	result.Merge(&graph.ValidationResult)
	result.Cycle = graph.Cycle

	result.Merge(wv.validateSemantic(g))
	return result
}

func (wv *WorkflowValidator) validateSemantic(g schema.WorkflowGraph) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	if wv.types != nil {
		for i, n := range g.Nodes {
			path := fmt.Sprintf("nodes[%d]", i)
			if !wv.types.Has(n.Type) {
				result.AddError(path+".type", schema.ErrCodeUnknownNodeType,
					fmt.Sprintf("node %q has unknown type %q", n.ID, n.Type))
				continue
			}
			violations, err := wv.schemas.CheckParams(path+".parameters", n.Parameters, wv.types.ParamSchema(n.Type))
			if err != nil {
				result.AddError(path+".parameters", schema.ErrCodeValidation, err.Error())
				continue
			}
			addViolations(result, violations)
		}
	}

	if wv.conditions != nil {
		for i, c := range g.Connections {
			if c.Condition == "" {
				continue
			}
			if err := wv.conditions.Check(c.Condition); err != nil {
				result.AddError(fmt.Sprintf("connections[%d].condition", i), schema.ErrCodeValidation,
					fmt.Sprintf("condition does not compile: %s", err.Error()))
			}
		}
	}

	return result
}

func addViolations(result *schema.ValidationResult, violations []Violation) {
	for _, v := range violations {
		result.AddError(v.Path, schema.ErrCodeValidation, v.Message)
	}
}
