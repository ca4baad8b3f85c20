package bedrock

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/flowloom/engine/core"
)

func TestClassifyBedrockErrMapsKnownExceptionNames(t *testing.T) {
	cases := []struct {
		msg  string
		kind core.ErrorKind
	}{
		{"ThrottlingException: rate exceeded", core.KindRateLimited},
		{"TooManyRequestsException", core.KindRateLimited},
		{"AccessDeniedException: not authorized", core.KindAuth},
		{"UnrecognizedClientException", core.KindAuth},
		{"ValidationException: bad model id", core.KindInvalidRequest},
		{"ResourceNotFoundException", core.KindNotFound},
		{"ModelTimeoutException", core.KindTimeout},
		{"InternalServerException", core.KindUpstream5xx},
		{"ServiceUnavailableException", core.KindUpstream5xx},
	}

	for _, c := range cases {
		fe := classifyBedrockErr(errors.New(c.msg))
		assert.Equal(t, c.kind, fe.Kind, "message: %s", c.msg)
		assert.Equal(t, "bedrock.Complete", fe.Op)
	}
}

func TestClassifyBedrockErrFallsBackToTransientNetwork(t *testing.T) {
	fe := classifyBedrockErr(errors.New("connection reset by peer"))
	assert.Equal(t, core.KindTransientNetwork, fe.Kind)
}

func TestContainsAnyMatchesSubstringAnywhereInMessage(t *testing.T) {
	assert.True(t, containsAny("operation error Bedrock: ThrottlingException: too many requests", "ThrottlingException"))
	assert.False(t, containsAny("operation error Bedrock: ValidationException", "ThrottlingException"))
}
