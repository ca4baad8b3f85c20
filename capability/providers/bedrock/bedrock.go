// Package bedrock adapts AWS Bedrock's Converse API to the
// capability.LLMProvider contract via aws-sdk-go-v2.
package bedrock

import (
	"context"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/flowloom/engine/capability"
	"github.com/flowloom/engine/core"
)

// Client implements capability.LLMProvider against AWS Bedrock.
type Client struct {
	runtime *bedrockruntime.Client
	logger  core.Logger
}

// NewClient builds a bedrock capability client from an already-resolved aws
// config; the runtime client carries the resolved region from cfg.
func NewClient(cfg aws.Config, logger core.Logger) *Client {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &Client{runtime: bedrockruntime.NewFromConfig(cfg), logger: logger}
}

// NewDefaultClient resolves AWS configuration from the default credential
// chain (env vars, shared config, IAM role).
func NewDefaultClient(ctx context.Context, region string, logger core.Logger) (*Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, core.NewFrameworkError("bedrock.NewDefaultClient", core.KindAuth, "", "failed to resolve AWS credentials", err)
	}
	return NewClient(cfg, logger), nil
}

// Complete implements capability.LLMProvider via Bedrock's Converse API.
func (c *Client) Complete(ctx context.Context, req capability.LLMRequest) (capability.LLMResponse, error) {
	messages := []types.Message{
		{
			Role:    types.ConversationRoleUser,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: req.Prompt}},
		},
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(req.Model),
		Messages: messages,
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}
	inferenceCfg := &types.InferenceConfiguration{}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		inferenceCfg.Temperature = &t
	}
	if req.MaxTokens != nil {
		mt := int32(*req.MaxTokens)
		inferenceCfg.MaxTokens = &mt
	}
	input.InferenceConfig = inferenceCfg

	out, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return capability.LLMResponse{}, classifyBedrockErr(err)
	}

	text := extractText(out.Output)
	var inTok, outTok int
	if out.Usage != nil {
		if out.Usage.InputTokens != nil {
			inTok = int(*out.Usage.InputTokens)
		}
		if out.Usage.OutputTokens != nil {
			outTok = int(*out.Usage.OutputTokens)
		}
	}

	return capability.LLMResponse{
		Text:         text,
		Model:        req.Model,
		InputTokens:  inTok,
		OutputTokens: outTok,
		RawMetadata:  map[string]interface{}{"stop_reason": string(out.StopReason)},
	}, nil
}

func extractText(output types.ConverseOutput) string {
	msgOutput, ok := output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return ""
	}
	for _, block := range msgOutput.Value.Content {
		if textBlock, ok := block.(*types.ContentBlockMemberText); ok {
			return textBlock.Value
		}
	}
	return ""
}

// classifyBedrockErr maps a Bedrock SDK error into this engine's closed
// error-kind enumeration by matching the exception name embedded in the
// error's string form, keeping this adapter free of a hard import
// dependency on every bedrockruntime exception type.
func classifyBedrockErr(err error) *core.FrameworkError {
	msg := err.Error()
	kind := core.KindTransientNetwork
	switch {
	case containsAny(msg, "ThrottlingException", "TooManyRequestsException"):
		kind = core.KindRateLimited
	case containsAny(msg, "AccessDeniedException", "UnrecognizedClientException"):
		kind = core.KindAuth
	case containsAny(msg, "ValidationException"):
		kind = core.KindInvalidRequest
	case containsAny(msg, "ResourceNotFoundException"):
		kind = core.KindNotFound
	case containsAny(msg, "ModelTimeoutException"):
		kind = core.KindTimeout
	case containsAny(msg, "InternalServerException", "ServiceUnavailableException"):
		kind = core.KindUpstream5xx
	}
	return core.NewFrameworkError("bedrock.Complete", kind, "", msg, err)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
