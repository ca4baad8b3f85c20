package capability

import (
	"fmt"
	"sort"
)

// TransformFunc is the signature every built-in deterministic transform
// implements: a plain map-to-map function, no I/O, no error other than a
// configuration mismatch discovered at call time (validate() already
// rejected unknown function names before execution starts).
type TransformFunc func(inputs map[string]interface{}) (map[string]interface{}, error)

// Transforms is the closed, small set of pure deterministic functions the
// transform step kind may invoke. Unknown names are caught at workflow
// validation time, never here.
var Transforms = map[string]TransformFunc{
	"merge":  transformMerge,
	"filter": transformFilter,
	"concat": transformConcat,
}

// transformMerge shallow-merges every input map into one. Go map iteration
// order is randomized, so ties (the same field name present in more than
// one declared input) are broken deterministically by sorting the
// declared input names lexicographically and merging in that order —
// later names in sorted order win, never whichever the runtime happened
// to visit last.
func transformMerge(inputs map[string]interface{}) (map[string]interface{}, error) {
	names := make([]string, 0, len(inputs))
	for name := range inputs {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]interface{})
	for _, name := range names {
		m, ok := inputs[name].(map[string]interface{})
		if !ok {
			continue
		}
		for k, vv := range m {
			out[k] = vv
		}
	}
	return map[string]interface{}{"result": out}, nil
}

// transformFilter expects a single input "source" (a map) and a "keys"
// input (a []interface{} of strings; non-string elements are skipped);
// returns the subset of source restricted to keys.
func transformFilter(inputs map[string]interface{}) (map[string]interface{}, error) {
	source, ok := inputs["source"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("transform filter: missing or non-map \"source\" input")
	}
	keysRaw, ok := inputs["keys"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("transform filter: missing or non-list \"keys\" input")
	}
	out := make(map[string]interface{}, len(keysRaw))
	for _, kr := range keysRaw {
		k, ok := kr.(string)
		if !ok {
			continue
		}
		if v, present := source[k]; present {
			out[k] = v
		}
	}
	return map[string]interface{}{"result": out}, nil
}

// transformConcat expects inputs named "a" and "b" (strings) and returns
// their concatenation.
func transformConcat(inputs map[string]interface{}) (map[string]interface{}, error) {
	a, _ := inputs["a"].(string)
	b, _ := inputs["b"].(string)
	return map[string]interface{}{"result": a + b}, nil
}
