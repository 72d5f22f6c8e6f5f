package expressions

import "context"

// Engine evaluates expressions against an execution's data.
// CEL decides choice rules, GoJQ resolves document paths and Expr renders
// notification text.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

// Set bundles the three engines the state machine interpreter needs.
type Set struct {
	CEL  *CELEngine
	JQ   *GoJQEngine
	Expr *ExprEngine
}

// NewSet builds all engines.
func NewSet() (*Set, error) {
	c, err := NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Set{CEL: c, JQ: NewGoJQEngine(), Expr: NewExprEngine()}, nil
}
