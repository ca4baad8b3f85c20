// Package anthropicllm adapts the Anthropic Messages API to the
// capability.LLMProvider contract via the official Go SDK.
package anthropicllm

import (
	"context"
	"errors"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/flowloom/engine/capability"
	"github.com/flowloom/engine/core"
)

// Client implements capability.LLMProvider against Anthropic's Messages
// API.
type Client struct {
	sdk *anthropic.Client
}

// NewClient builds an anthropicllm client from an API key, matching the
// SDK's own functional-options constructor idiom.
func NewClient(apiKey string) *Client {
	c := anthropic.NewClient(option.WithAPIKey(apiKey))
	return &Client{sdk: &c}
}

const defaultMaxTokens = 1024

// Complete implements capability.LLMProvider.
func (c *Client) Complete(ctx context.Context, req capability.LLMRequest) (capability.LLMResponse, error) {
	maxTokens := int64(defaultMaxTokens)
	if req.MaxTokens != nil {
		maxTokens = int64(*req.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	msg, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		return capability.LLMResponse{}, classifyAnthropicErr(err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}

	return capability.LLMResponse{
		Text:         text,
		Model:        string(msg.Model),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		RawMetadata:  map[string]interface{}{"stop_reason": string(msg.StopReason)},
	}, nil
}

// classifyAnthropicErr maps the SDK's error shape into this engine's closed
// error-kind enumeration, keyed on the HTTP status code when one is
// available.
func classifyAnthropicErr(err error) *core.FrameworkError {
	var apiErr *anthropic.Error
	kind := core.KindTransientNetwork
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 401, 403:
			kind = core.KindAuth
		case 400, 422:
			kind = core.KindInvalidRequest
		case 404:
			kind = core.KindNotFound
		case 429:
			kind = core.KindRateLimited
		default:
			if apiErr.StatusCode >= 500 {
				kind = core.KindUpstream5xx
			}
		}
	}
	return core.NewFrameworkError("anthropicllm.Complete", kind, "", err.Error(), err)
}
