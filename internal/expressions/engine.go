package expressions

import (
	"context"
	"time"
)

// Engine evaluates expressions over the run scope.
// Three implementations: Expr (conditions, selectors, loop predicates),
// CEL (alternate condition dialect), GoJQ (output_vars extraction).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// EvalBudget bounds a single expression evaluation. All dialects are
// total (no recursion, no unbounded iteration), so the budget guards
// against pathological inputs rather than divergence.
const EvalBudget = 10 * time.Millisecond
