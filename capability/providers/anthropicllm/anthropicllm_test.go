package anthropicllm

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flowloom/engine/core"
)

func TestClassifyAnthropicErrFallsBackToTransientNetwork(t *testing.T) {
	fe := classifyAnthropicErr(errors.New("connection reset"))
	assert.Equal(t, core.KindTransientNetwork, fe.Kind)
	assert.Equal(t, "anthropicllm.Complete", fe.Op)
}
