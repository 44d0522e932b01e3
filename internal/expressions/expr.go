package expressions

import (
	"context"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine computes fields with expr-lang. Payload keys are top-level
// variables and unknown names evaluate to nil, so one compiled program serves
// payloads of any shape.
type ExprEngine struct {
	programs *programs[*vm.Program]
}

// NewExprEngine creates an ExprEngine.
func NewExprEngine() *ExprEngine {
	compile := func(expression string) (*vm.Program, error) {
		return expr.Compile(expression, expr.Env(map[string]any{}), expr.AllowUndefinedVariables())
	}
	return &ExprEngine{programs: newPrograms("expr", compile)}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string { return "expr" }

// Evaluate runs expression with data as its environment.
func (e *ExprEngine) Evaluate(_ context.Context, expression string, data map[string]any) (any, error) {
	prg, err := e.programs.get(expression)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = map[string]any{}
	}
	out, err := vm.Run(prg, data)
	if err != nil {
		return nil, evalError("expr", expression, err)
	}
	return out, nil
}

// Check compiles expression.
func (e *ExprEngine) Check(expression string) error {
	_, err := e.programs.get(expression)
	return err
}

var (
	_ Engine  = (*ExprEngine)(nil)
	_ Checker = (*ExprEngine)(nil)
)
