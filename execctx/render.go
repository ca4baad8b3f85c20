package execctx

import (
	"fmt"
	"strconv"
	"strings"
)

// Render resolves every `{{path.to.field}}` placeholder in template against
// this execution's current namespaces (inputs, outputs, steps), returning
// the fully substituted string. A reference to an undeclared path is a
// template error — never a silent empty string.
//
// stepID is accepted for symmetry with EvaluateCondition and future
// per-step scoping (e.g. relative self-references); the base namespaces are
// global to the execution, so it is currently unused beyond error context.
func (c *Context) Render(template string, stepID string) (string, error) {
	root := c.namespaces()

	var out strings.Builder
	i := 0
	for i < len(template) {
		open := strings.Index(template[i:], "{{")
		if open == -1 {
			out.WriteString(template[i:])
			break
		}
		out.WriteString(template[i : i+open])
		start := i + open + 2
		close := strings.Index(template[start:], "}}")
		if close == -1 {
			return "", templateError("Context.Render", stepID, "unterminated template placeholder")
		}
		expr := strings.TrimSpace(template[start : start+close])
		i = start + close + 2

		val, ok := lookupPath(root, strings.Split(expr, "."))
		if !ok {
			return "", templateError("Context.Render", stepID, fmt.Sprintf("undeclared template path %q", expr))
		}
		out.WriteString(stringify(val))
	}
	return out.String(), nil
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}
