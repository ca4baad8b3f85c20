package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransformMergeShallowMerges(t *testing.T) {
	out, err := transformMerge(map[string]interface{}{
		"a": map[string]interface{}{"x": 1.0},
		"b": map[string]interface{}{"y": 2.0},
	})
	require.NoError(t, err)
	result := out["result"].(map[string]interface{})
	assert.Equal(t, 1.0, result["x"])
	assert.Equal(t, 2.0, result["y"])
}

func TestTransformMergeIgnoresNonMapInputs(t *testing.T) {
	out, err := transformMerge(map[string]interface{}{
		"a": "not a map",
		"b": map[string]interface{}{"y": 2.0},
	})
	require.NoError(t, err)
	result := out["result"].(map[string]interface{})
	assert.Equal(t, map[string]interface{}{"y": 2.0}, result)
}

func TestTransformMergeBreaksFieldCollisionsByLexicographicInputName(t *testing.T) {
	inputs := map[string]interface{}{
		"a_first":  map[string]interface{}{"shared": "from-a"},
		"z_second": map[string]interface{}{"shared": "from-z"},
	}
	for i := 0; i < 20; i++ {
		out, err := transformMerge(inputs)
		require.NoError(t, err)
		result := out["result"].(map[string]interface{})
		assert.Equal(t, "from-z", result["shared"], "the lexicographically later input name must always win")
	}
}

func TestTransformFilterRestrictsToKeys(t *testing.T) {
	out, err := transformFilter(map[string]interface{}{
		"source": map[string]interface{}{"x": 1.0, "y": 2.0, "z": 3.0},
		"keys":   []interface{}{"x", "z"},
	})
	require.NoError(t, err)
	result := out["result"].(map[string]interface{})
	assert.Equal(t, map[string]interface{}{"x": 1.0, "z": 3.0}, result)
}

func TestTransformFilterRequiresSourceAndKeys(t *testing.T) {
	_, err := transformFilter(map[string]interface{}{"keys": []interface{}{"x"}})
	assert.Error(t, err)

	_, err = transformFilter(map[string]interface{}{"source": map[string]interface{}{}})
	assert.Error(t, err)
}

func TestTransformConcat(t *testing.T) {
	out, err := transformConcat(map[string]interface{}{"a": "foo", "b": "bar"})
	require.NoError(t, err)
	assert.Equal(t, "foobar", out["result"])
}

func TestTransformsRegistryHasAllThreeFunctions(t *testing.T) {
	for _, name := range []string{"merge", "filter", "concat"} {
		_, ok := Transforms[name]
		assert.True(t, ok, "missing transform %q", name)
	}
}
