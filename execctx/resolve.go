package execctx

import (
	"fmt"
	"strings"
)

// ResolveValue looks up a dotted namespace path (e.g. "steps.embed1.vector")
// directly, without string rendering, and returns the raw value found. This
// complements Render: a vector_search query or a transform step's declared
// input often needs the actual []float64/map value a prior step published,
// not its stringified form.
func (c *Context) ResolveValue(path string, stepID string) (interface{}, error) {
	path = strings.TrimSpace(path)
	path = strings.TrimPrefix(path, "{{")
	path = strings.TrimSuffix(path, "}}")
	path = strings.TrimSpace(path)

	root := c.namespaces()
	val, ok := lookupPath(root, strings.Split(path, "."))
	if !ok {
		return nil, templateError("Context.ResolveValue", stepID, fmt.Sprintf("undeclared path %q", path))
	}
	return val, nil
}
