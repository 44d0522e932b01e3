// Package expressions evaluates the small languages embedded in workflows:
// CEL for connection conditions and filters, Expr for computed fields and
// jq for payload transforms.
package expressions

import (
	"context"
	"sync"

	"github.com/rendis/nodeflow/pkg/schema"
)

// Engine evaluates expressions against a node payload.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Checker compiles an expression without evaluating it.
type Checker interface {
	Check(expression string) error
}

// programs caches compiled programs by source text. Compilation happens at
// most once per expression even under concurrent first use.
type programs[P any] struct {
	lang    string
	compile func(expression string) (P, error)

	mu    sync.RWMutex
	cache map[string]P
}

func newPrograms[P any](lang string, compile func(string) (P, error)) *programs[P] {
	return &programs[P]{lang: lang, compile: compile, cache: make(map[string]P)}
}

// get returns the compiled program for expression. Compile failures are
// VALIDATION_ERRORs and are not cached.
func (p *programs[P]) get(expression string) (P, error) {
	var zero P
	if expression == "" {
		return zero, schema.NewErrorf(schema.ErrCodeValidation, "empty %s expression", p.lang)
	}

	p.mu.RLock()
	prg, ok := p.cache[expression]
	p.mu.RUnlock()
	if ok {
		return prg, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if prg, ok := p.cache[expression]; ok {
		return prg, nil
	}
	prg, err := p.compile(expression)
	if err != nil {
		return zero, schema.NewErrorf(schema.ErrCodeValidation, "%s: cannot compile %q: %s", p.lang, expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	p.cache[expression] = prg
	return prg, nil
}

func (p *programs[P]) size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.cache)
}

// evalError reports a runtime failure of a compiled expression.
func evalError(lang, expression string, err error) *schema.NodeflowError {
	return schema.NewErrorf(schema.ErrCodeNodeExecution, "%s: evaluating %q: %s", lang, expression, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": expression})
}
