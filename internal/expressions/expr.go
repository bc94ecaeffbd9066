package expressions

import (
	"context"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rendis/flowplane/pkg/schema"
)

// ExprEngine implements the Engine interface using expr-lang/expr. It is
// the default dialect for edge conditions, gateway branches, switch
// selectors, and loop predicates. The environment is closed over the four
// run-scope namespaces; references outside them fail at compile time.
// Thread-safe: compiled *vm.Program objects are cached and reused across
// goroutines.
type ExprEngine struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewExprEngine creates a new Expr expression engine.
func NewExprEngine() *ExprEngine {
	return &ExprEngine{
		cache: make(map[string]*vm.Program),
	}
}

// Name returns the engine identifier.
func (e *ExprEngine) Name() string {
	return "expr"
}

// Evaluate compiles (or retrieves from cache) an expression and evaluates
// it against the run scope. Missing namespaces default to empty maps so a
// condition over vars never nil-panics on a fresh run.
func (e *ExprEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty expression")
	}

	prg, err := e.getOrCompile(expression)
	if err != nil {
		return nil, err
	}

	out, err := vm.Run(prg, scopeEnv(data))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"expression evaluation failed for %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	return out, nil
}

// Parse compiles the expression without evaluating it. Used by the
// validator to reject unparseable conditions before a document is stored.
func (e *ExprEngine) Parse(expression string) error {
	_, err := e.getOrCompile(expression)
	return err
}

// getOrCompile returns a cached compiled program or compiles and caches a
// new one.
func (e *ExprEngine) getOrCompile(expression string) (*vm.Program, error) {
	e.mu.RLock()
	if prg, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return prg, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	// Double-check after acquiring write lock.
	if prg, ok := e.cache[expression]; ok {
		return prg, nil
	}

	prg, err := expr.Compile(expression, exprOptions()...)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"expression compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = prg
	return prg, nil
}

// exprOptions builds the closed compile environment: the four scope
// namespaces plus is_null. len is an expr builtin.
func exprOptions() []expr.Option {
	return []expr.Option{
		expr.Env(map[string]any{
			"inputs":  map[string]any{},
			"vars":    map[string]any{},
			"globals": map[string]any{},
			"node":    map[string]any{},
		}),
		expr.Function("is_null", func(params ...any) (any, error) {
			if len(params) != 1 {
				return nil, schema.NewError(schema.ErrCodeValidation, "is_null takes exactly one argument")
			}
			return params[0] == nil, nil
		}),
	}
}

// scopeEnv fills missing namespaces with empty maps.
func scopeEnv(data map[string]any) map[string]any {
	env := make(map[string]any, 4)
	for _, key := range []string{"inputs", "vars", "globals", "node"} {
		if v, ok := data[key]; ok && v != nil {
			env[key] = v
		} else {
			env[key] = map[string]any{}
		}
	}
	return env
}

var _ Engine = (*ExprEngine)(nil)
