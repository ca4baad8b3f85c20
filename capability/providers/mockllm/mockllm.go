// Package mockllm is a configurable, deterministic LLMProvider used by the
// engine's own test suite: retry, failure-propagation, and recovery tests
// all rely on programmable success/failure sequencing and call counting.
package mockllm

import (
	"context"
	"sync"

	"github.com/flowloom/engine/capability"
)

// Client is a mock capability.LLMProvider whose behavior is scripted ahead
// of time via SetResponses/SetSequence.
type Client struct {
	mu sync.Mutex

	responses []capability.LLMResponse
	errs      []error // errs[i] (if non-nil) is returned instead of responses[i]
	index     int

	CallCount  int
	LastPrompt string
	LastModel  string
}

// NewClient creates a mock client that, absent any scripting, returns an
// empty successful response on every call.
func NewClient() *Client {
	return &Client{}
}

// SetResponses scripts the sequence of successful responses to cycle
// through; once exhausted, the last response repeats.
func (c *Client) SetResponses(responses ...capability.LLMResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = responses
	c.errs = make([]error, len(responses))
	c.index = 0
}

// SetSequence scripts a mixed sequence of (response, error) pairs so a test
// can make the first N calls fail and the N+1th succeed, as required by
// Scenario B ("fail with transient_network twice and then succeed").
func (c *Client) SetSequence(responses []capability.LLMResponse, errs []error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = responses
	c.errs = errs
	c.index = 0
}

// Reset clears call-count bookkeeping and scripted sequence state.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = nil
	c.errs = nil
	c.index = 0
	c.CallCount = 0
	c.LastPrompt = ""
	c.LastModel = ""
}

// Complete implements capability.LLMProvider.
func (c *Client) Complete(ctx context.Context, req capability.LLMRequest) (capability.LLMResponse, error) {
	if err := ctx.Err(); err != nil {
		return capability.LLMResponse{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.CallCount++
	c.LastPrompt = req.Prompt
	c.LastModel = req.Model

	if len(c.responses) == 0 {
		return capability.LLMResponse{Text: "", Model: req.Model}, nil
	}

	i := c.index
	if i >= len(c.responses) {
		i = len(c.responses) - 1
	} else {
		c.index++
	}

	if i < len(c.errs) && c.errs[i] != nil {
		return capability.LLMResponse{}, c.errs[i]
	}
	return c.responses[i], nil
}
