package expressions

import (
	"context"
	"strings"

	"github.com/rendis/flowplane/pkg/schema"
)

// CELPrefix selects the CEL dialect for a condition string.
const CELPrefix = "cel:"

// Evaluator is the facade the validator, compiler, and executor share.
// It dispatches a condition string to its dialect, enforces the per-call
// budget, and extracts output_vars from action results.
type Evaluator struct {
	expr *ExprEngine
	cel  *CELEngine
	jq   *GoJQEngine
}

// NewEvaluator builds an Evaluator with all three engines.
func NewEvaluator() (*Evaluator, error) {
	cel, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		expr: NewExprEngine(),
		cel:  cel,
		jq:   NewGoJQEngine(),
	}, nil
}

// EvalCondition evaluates a condition string against the scope and
// requires a boolean result. Conditions prefixed with "cel:" use the CEL
// dialect; everything else is expr.
func (ev *Evaluator) EvalCondition(ctx context.Context, expression string, scope *ScopeBuilder) (bool, error) {
	v, err := ev.EvalValue(ctx, expression, scope)
	if err != nil {
		return false, err
	}
	return Truthy(v)
}

// EvalValue evaluates a condition or selector string to its raw value.
func (ev *Evaluator) EvalValue(ctx context.Context, expression string, scope *ScopeBuilder) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, EvalBudget)
	defer cancel()

	engine, src := ev.dialect(expression)
	return engine.Evaluate(ctx, src, scope.Data())
}

// EvalArray evaluates a foreach source expression and requires a list.
func (ev *Evaluator) EvalArray(ctx context.Context, expression string, scope *ScopeBuilder) ([]any, error) {
	v, err := ev.EvalValue(ctx, expression, scope)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExpression,
			"source array expression must evaluate to a list, got %T", v)
	}
	return items, nil
}

// ExtractOutputVars runs each output_vars jq program against the slim
// action result and returns the extracted scalars keyed by var name.
func (ev *Evaluator) ExtractOutputVars(ctx context.Context, outputVars map[string]string, result any) (map[string]any, error) {
	if len(outputVars) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, EvalBudget)
	defer cancel()

	input, ok := normalizeForJQ(result).(map[string]any)
	if !ok {
		input = map[string]any{"result": normalizeForJQ(result)}
	}

	out := make(map[string]any, len(outputVars))
	for name, program := range outputVars {
		v, err := ev.jq.Evaluate(ctx, program, input)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExpression,
				"output_vars[%s]: %s", name, err.Error()).WithCause(err)
		}
		out[name] = v
	}
	return out, nil
}

// ParseCondition checks that a condition string compiles in its dialect.
func (ev *Evaluator) ParseCondition(expression string) error {
	engine, src := ev.dialect(expression)
	switch e := engine.(type) {
	case *ExprEngine:
		return e.Parse(src)
	case *CELEngine:
		return e.Parse(src)
	default:
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown dialect for %q", expression)
	}
}

// ParseOutputVar checks that an output_vars value is a valid jq program.
func (ev *Evaluator) ParseOutputVar(program string) error {
	return ev.jq.Parse(program)
}

func (ev *Evaluator) dialect(expression string) (Engine, string) {
	if strings.HasPrefix(expression, CELPrefix) {
		return ev.cel, strings.TrimSpace(strings.TrimPrefix(expression, CELPrefix))
	}
	return ev.expr, expression
}
