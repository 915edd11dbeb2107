package expressions

import "context"

// Engine evaluates condition expressions against a run's variable bag.
// Two implementations: CEL (default) and Expr.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, vars map[string]any) (any, error)
}
