package execctx

import (
	"github.com/expr-lang/expr"
)

// EvaluateCondition evaluates a boolean expression over the same three
// namespaces Render uses. An empty expression is unconditional and
// evaluates to true. Unlike template rendering, condition evaluation needs
// real boolean/comparison operators (&&, ||, ==, <) that a recursive
// namespace lookup alone cannot express, so it compiles and runs the
// expression with expr-lang/expr.
func (c *Context) EvaluateCondition(expression string, stepID string) (bool, error) {
	if expression == "" {
		return true, nil
	}

	root := c.namespaces()
	program, err := expr.Compile(expression, expr.Env(root), expr.AsBool())
	if err != nil {
		return false, templateError("Context.EvaluateCondition", stepID, err.Error())
	}
	out, err := expr.Run(program, root)
	if err != nil {
		return false, templateError("Context.EvaluateCondition", stepID, err.Error())
	}
	result, ok := out.(bool)
	if !ok {
		return false, templateError("Context.EvaluateCondition", stepID, "condition did not evaluate to a boolean")
	}
	return result, nil
}
