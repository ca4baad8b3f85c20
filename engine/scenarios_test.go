package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowloom/engine/capability"
	"github.com/flowloom/engine/capability/providers/mockllm"
	"github.com/flowloom/engine/core"
	"github.com/flowloom/engine/execctx"
	"github.com/flowloom/engine/statestore"
	"github.com/flowloom/engine/workflow"
)

func concatStep(id string, a, b string, deps ...string) workflow.Step {
	return workflow.Step{
		ID:           id,
		Kind:         workflow.KindTransform,
		Dependencies: deps,
		Outputs:      []string{"out"},
		Config:       workflow.StepConfig{Transform: &workflow.TransformConfig{Function: "concat", Inputs: []string{"a=" + a, "b=" + b}}},
	}
}

// TestFanOutFanInExecutesEveryStepExactlyOnce: A feeds B and C, D depends
// on both, under a concurrency limit equal to the widest parallel group.
func TestFanOutFanInExecutesEveryStepExactlyOnce(t *testing.T) {
	wf, err := workflow.New("fanout", "v1", "", []workflow.Step{
		concatStep("A", "inputs.base", "inputs.base"),
		concatStep("B", "steps.A.out", "inputs.base", "A"),
		concatStep("C", "steps.A.out", "inputs.base", "A"),
		concatStep("D", "steps.B.out", "steps.C.out", "B", "C"),
	}, 0, nil)
	require.NoError(t, err)

	res, err := Execute(context.Background(), wf, map[string]interface{}{"base": "x"}, Options{MaxConcurrency: 2})
	require.NoError(t, err)
	assert.Equal(t, statestore.WorkflowCompleted, res.Status)
	require.Len(t, res.Steps, 4)
	for id, r := range res.Steps {
		assert.Equal(t, execctx.StepCompleted, r.Status, "step %q", id)
	}
	assert.Equal(t, "xxxxxx", res.Steps["D"].Outputs["out"])
}

// TestRetrySucceedsAfterTransientFailures: a capability that fails twice
// and then succeeds completes the step with retry_count = 2.
func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	wf, err := workflow.New("retry-wf", "v1", "", []workflow.Step{
		{
			ID:      "call",
			Kind:    workflow.KindLLM,
			Outputs: []string{"text"},
			Config:  workflow.StepConfig{LLM: &workflow.LLMConfig{Provider: "mock", Model: "m", PromptTemplate: "hi"}},
		},
	}, 0, &workflow.RetryPolicy{MaxAttempts: 3, Strategy: workflow.BackoffFixed, InitialDelayMs: 1, MaxDelayMs: 10})
	require.NoError(t, err)

	client := mockllm.NewClient()
	client.SetSequence(
		[]capability.LLMResponse{{}, {}, {Text: "done"}},
		[]error{errors.New("blip"), errors.New("blip"), nil},
	)
	registry := capability.NewRegistry()
	registry.MustRegister("mock", capability.Handle{LLM: client})

	res, err := Execute(context.Background(), wf, nil, Options{
		MaxConcurrency: 1,
		Registry:       registry,
		Clock:          core.NewFakeClock(time.Unix(0, 0)),
	})
	require.NoError(t, err)
	assert.Equal(t, statestore.WorkflowCompleted, res.Status)
	assert.Equal(t, "done", res.Steps["call"].Outputs["text"])
	assert.Equal(t, 2, res.Steps["call"].RetryCount)
	assert.Equal(t, 3, client.CallCount)
}

// TestNonRetryableFailureStopsDownstreamWork: a non-retryable (auth)
// failure on S1 fails the workflow, and S2, which depends on S1, must
// never execute.
func TestNonRetryableFailureStopsDownstreamWork(t *testing.T) {
	wf, err := workflow.New("fail-wf", "v1", "", []workflow.Step{
		{
			ID:      "s1",
			Kind:    workflow.KindLLM,
			Outputs: []string{"text"},
			Config:  workflow.StepConfig{LLM: &workflow.LLMConfig{Provider: "mock", Model: "m", PromptTemplate: "hi"}},
		},
		{
			ID:           "s2",
			Kind:         workflow.KindLLM,
			Dependencies: []string{"s1"},
			Outputs:      []string{"text"},
			Config:       workflow.StepConfig{LLM: &workflow.LLMConfig{Provider: "mock", Model: "m", PromptTemplate: "hi"}},
		},
	}, 0, nil)
	require.NoError(t, err)

	client := mockllm.NewClient()
	client.SetSequence(
		[]capability.LLMResponse{{}},
		[]error{core.NewFrameworkError("mock", core.KindAuth, "s1", "bad creds", nil)},
	)
	registry := capability.NewRegistry()
	registry.MustRegister("mock", capability.Handle{LLM: client})

	res, err := Execute(context.Background(), wf, nil, Options{MaxConcurrency: 2, Registry: registry})
	require.Error(t, err)
	assert.Equal(t, statestore.WorkflowFailed, res.Status)
	assert.Equal(t, execctx.StepFailed, res.Steps["s1"].Status)
	assert.Equal(t, execctx.StepSkipped, res.Steps["s2"].Status)
	assert.Equal(t, 1, client.CallCount, "s2 must never invoke the capability")
}

// TestWorkflowTimeoutReturnsWithinDeadlinePlusDrain: a step that outlives
// the workflow deadline is cancelled, and the run returns promptly after
// the drain rather than waiting out the step's full duration.
func TestWorkflowTimeoutReturnsWithinDeadlinePlusDrain(t *testing.T) {
	wf, err := workflow.New("slow-wf", "v1", "", []workflow.Step{
		{
			ID:      "slow",
			Kind:    workflow.KindLLM,
			Outputs: []string{"text"},
			Config:  workflow.StepConfig{LLM: &workflow.LLMConfig{Provider: "slow", Model: "m", PromptTemplate: "hi"}},
		},
	}, 0, nil)
	require.NoError(t, err)

	registry := capability.NewRegistry()
	registry.MustRegister("slow", capability.Handle{LLM: delayedLLM{delay: 200 * time.Millisecond}})

	start := time.Now()
	res, err := Execute(context.Background(), wf, nil, Options{
		MaxConcurrency:  1,
		Registry:        registry,
		WorkflowTimeout: 30 * time.Millisecond,
	})
	elapsed := time.Since(start)

	require.Error(t, err)
	var te *TimeoutError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, statestore.WorkflowFailed, res.Status)
	assert.Less(t, elapsed, 500*time.Millisecond, "runner must return promptly after the in-flight step drains, not wait out its full duration")
}

// TestFairCompletionOrdering: three independent steps launched together
// under sufficient concurrency complete in the order they actually finish,
// not declaration order.
func TestFairCompletionOrdering(t *testing.T) {
	wf, err := workflow.New("fair-wf", "v1", "", []workflow.Step{
		{ID: "slowest", Kind: workflow.KindLLM, Outputs: []string{"text"}, Config: workflow.StepConfig{LLM: &workflow.LLMConfig{Provider: "p-slowest", Model: "m", PromptTemplate: "hi"}}},
		{ID: "mid", Kind: workflow.KindLLM, Outputs: []string{"text"}, Config: workflow.StepConfig{LLM: &workflow.LLMConfig{Provider: "p-mid", Model: "m", PromptTemplate: "hi"}}},
		{ID: "fast", Kind: workflow.KindLLM, Outputs: []string{"text"}, Config: workflow.StepConfig{LLM: &workflow.LLMConfig{Provider: "p-fast", Model: "m", PromptTemplate: "hi"}}},
	}, 0, nil)
	require.NoError(t, err)

	registry := capability.NewRegistry()
	registry.MustRegister("p-slowest", capability.Handle{LLM: delayedLLM{delay: 150 * time.Millisecond}})
	registry.MustRegister("p-mid", capability.Handle{LLM: delayedLLM{delay: 80 * time.Millisecond}})
	registry.MustRegister("p-fast", capability.Handle{LLM: delayedLLM{delay: 10 * time.Millisecond}})

	res, err := Execute(context.Background(), wf, nil, Options{MaxConcurrency: 3, Registry: registry})
	require.NoError(t, err)

	fastEnd := *res.Steps["fast"].EndTime
	midEnd := *res.Steps["mid"].EndTime
	slowestEnd := *res.Steps["slowest"].EndTime
	assert.True(t, fastEnd.Before(midEnd), "fast step should finish before mid step")
	assert.True(t, midEnd.Before(slowestEnd), "mid step should finish before slowest step")
}

// TestExternalCancellationIsNotReportedAsTimeout: cancelling the caller's
// context mid-run drains the in-flight step and surfaces a cancelled error,
// not a workflow-timeout error.
func TestExternalCancellationIsNotReportedAsTimeout(t *testing.T) {
	wf, err := workflow.New("cancel-wf", "v1", "", []workflow.Step{
		{
			ID:      "slow",
			Kind:    workflow.KindLLM,
			Outputs: []string{"text"},
			Config:  workflow.StepConfig{LLM: &workflow.LLMConfig{Provider: "slow", Model: "m", PromptTemplate: "hi"}},
		},
	}, 0, nil)
	require.NoError(t, err)

	registry := capability.NewRegistry()
	registry.MustRegister("slow", capability.Handle{LLM: delayedLLM{delay: 500 * time.Millisecond}})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res, err := Execute(ctx, wf, nil, Options{MaxConcurrency: 1, Registry: registry})
	require.Error(t, err)
	var te *TimeoutError
	assert.False(t, errors.As(err, &te), "cancellation must not surface as a timeout")
	assert.Equal(t, core.KindCancelled, core.Kind(err))
	assert.Equal(t, statestore.WorkflowFailed, res.Status)
}

// TestEmbedFeedsVectorSearch chains the two retrieval step kinds: an embed
// step publishes its vector as its first declared output (model and token
// usage filling the remaining slots positionally), and a vector_search
// step resolves that vector by namespace path and publishes the ranked
// hits.
func TestEmbedFeedsVectorSearch(t *testing.T) {
	wf, err := workflow.New("retrieval", "v1", "", []workflow.Step{
		{
			ID:      "embed1",
			Kind:    workflow.KindEmbed,
			Outputs: []string{"vector", "model", "tokens"},
			Config:  workflow.StepConfig{Embed: &workflow.EmbedConfig{Provider: "emb", Model: "embed-small", InputTemplate: "{{inputs.query}}"}},
		},
		{
			ID:           "lookup",
			Kind:         workflow.KindVectorSearch,
			Dependencies: []string{"embed1"},
			Outputs:      []string{"hits"},
			Config: workflow.StepConfig{VectorSearch: &workflow.VectorSearchConfig{
				Database:        "vdb",
				Index:           "docs",
				Query:           "steps.embed1.vector",
				TopK:            2,
				IncludeMetadata: true,
			}},
		},
	}, 0, nil)
	require.NoError(t, err)

	vs := &stubVectorStore{hits: []capability.VectorHit{
		{ID: "doc-9", Score: 0.97, Metadata: map[string]interface{}{"title": "nine"}},
		{ID: "doc-4", Score: 0.82, Metadata: map[string]interface{}{"title": "four"}},
	}}
	registry := capability.NewRegistry()
	registry.MustRegister("emb", capability.Handle{Embedding: stubEmbedder{vector: []float64{0.1, 0.2, 0.3}}})
	registry.MustRegister("vdb", capability.Handle{Vector: vs})

	res, err := Execute(context.Background(), wf, map[string]interface{}{"query": "nine"}, Options{MaxConcurrency: 2, Registry: registry})
	require.NoError(t, err)
	assert.Equal(t, statestore.WorkflowCompleted, res.Status)

	embedOut := res.Steps["embed1"].Outputs
	assert.Equal(t, "embed-small", embedOut["model"])
	assert.Equal(t, len("nine"), embedOut["tokens"])

	require.Equal(t, []float64{0.1, 0.2, 0.3}, vs.lastQuery, "the search must receive the vector the embed step published")

	hits, ok := res.Steps["lookup"].Outputs["hits"].([]interface{})
	require.True(t, ok)
	require.Len(t, hits, 2)
	first := hits[0].(map[string]interface{})
	assert.Equal(t, "doc-9", first["id"])
	assert.Equal(t, 0.97, first["score"])
	assert.Equal(t, "nine", first["metadata"].(map[string]interface{})["title"])
}

type stubEmbedder struct {
	vector []float64
}

func (s stubEmbedder) Embed(ctx context.Context, req capability.EmbedRequest) (capability.EmbedResponse, error) {
	return capability.EmbedResponse{Vectors: [][]float64{s.vector}, Model: "embed-small", TokenUsage: len(req.Input[0])}, nil
}

type stubVectorStore struct {
	hits      []capability.VectorHit
	lastQuery []float64
}

func (s *stubVectorStore) Search(ctx context.Context, req capability.VectorSearchRequest) ([]capability.VectorHit, error) {
	s.lastQuery = req.QueryVector
	if req.TopK < len(s.hits) {
		return s.hits[:req.TopK], nil
	}
	return s.hits, nil
}

// delayedLLM is a capability.LLMProvider that simulates I/O latency with a
// real-time sleep, for the scheduler's fairness and timeout tests where the
// thing under test is wall-clock completion ordering itself.
type delayedLLM struct {
	delay time.Duration
}

func (d delayedLLM) Complete(ctx context.Context, req capability.LLMRequest) (capability.LLMResponse, error) {
	timer := time.NewTimer(d.delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return capability.LLMResponse{Text: req.Model}, nil
	case <-ctx.Done():
		return capability.LLMResponse{}, ctx.Err()
	}
}
