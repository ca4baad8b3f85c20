package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/flowloom/engine/capability"
	"github.com/flowloom/engine/core"
	"github.com/flowloom/engine/execctx"
	"github.com/flowloom/engine/retry"
	"github.com/flowloom/engine/workflow"
)

// stepOutcome is what executeStep reports back to the scheduling loop: just
// enough to decide successor readiness and draining, everything else having
// already been recorded into ectx.
type stepOutcome struct {
	stepID string
	status execctx.StepStatus
}

// executeStep runs the dispatch sequence for one ready step: evaluate its
// condition, render its templates, invoke the capability under the retry
// envelope, record completion or failure. ctx is already scoped to
// the workflow deadline (and, if step.Timeout is set, further scoped here
// to the per-step timeout); cancellation of ctx at any suspension point
// (the capability call, or the retry executor's backoff sleep) surfaces as
// a non-retryable cancelled error.
func executeStep(ctx context.Context, wf *workflow.Workflow, step *workflow.Step, ectx *execctx.Context, registry *capability.Registry, clock core.Clock) stepOutcome {
	ok, err := ectx.EvaluateCondition(step.Condition, step.ID)
	if err != nil {
		if fe, cast := err.(*core.FrameworkError); cast {
			ectx.RecordFailure(step.ID, fe, 0)
		} else {
			ectx.RecordFailure(step.ID, core.NewFrameworkError("engine.executeStep", core.KindTemplate, step.ID, err.Error(), err), 0)
		}
		return stepOutcome{stepID: step.ID, status: execctx.StepFailed}
	}
	if !ok {
		ectx.RecordSkipped(step.ID, "")
		return stepOutcome{stepID: step.ID, status: execctx.StepSkipped}
	}

	stepCtx := ctx
	if step.Timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, time.Duration(step.Timeout)*time.Second)
		defer cancel()
	}

	policy := wf.EffectiveRetryPolicy(step.ID)
	result := retry.Do(stepCtx, clock, policy, nil, func(attemptCtx context.Context, attempt int) (interface{}, error) {
		return invokeCapability(attemptCtx, step, ectx, registry, attempt)
	})

	if result.Err != nil {
		ectx.RecordFailure(step.ID, result.Err, result.Attempts-1)
		return stepOutcome{stepID: step.ID, status: execctx.StepFailed}
	}

	outputs, _ := result.Value.(map[string]interface{})
	ectx.RecordCompletion(step.ID, outputs, result.Attempts-1)
	return stepOutcome{stepID: step.ID, status: execctx.StepCompleted}
}

// invokeCapability renders step.Config's templates against the current
// context and dispatches to the registered capability for step.Kind,
// shaping the result into the context's output map per the multi-output
// rules (primary payload into the first declared output, the remaining
// declared slots filled positionally, declared slots with no value left nil).
// attempt is the 1-based retry attempt, folded into the idempotency key
// handed to effectful capabilities.
func invokeCapability(ctx context.Context, step *workflow.Step, ectx *execctx.Context, registry *capability.Registry, attempt int) (interface{}, error) {
	switch step.Kind {
	case workflow.KindLLM:
		return invokeLLM(ctx, step, ectx, registry, attempt)
	case workflow.KindEmbed:
		return invokeEmbed(ctx, step, ectx, registry, attempt)
	case workflow.KindVectorSearch:
		return invokeVectorSearch(ctx, step, ectx, registry)
	case workflow.KindTransform:
		return invokeTransform(step, ectx)
	default:
		return nil, core.NewFrameworkError("engine.invokeCapability", core.KindValidation, step.ID, fmt.Sprintf("unknown step kind %q", step.Kind), nil)
	}
}

// idempotencyKey derives the optional key adapters may forward to providers
// that support request deduplication. External effects are at-least-once
// across retries and crash recovery; adapters that can pass this through
// turn a duplicated attempt into a provider-side no-op.
func idempotencyKey(ectx *execctx.Context, stepID string, attempt int) string {
	return fmt.Sprintf("%s:%s:%d", ectx.ExecutionID, stepID, attempt)
}

func invokeLLM(ctx context.Context, step *workflow.Step, ectx *execctx.Context, registry *capability.Registry, attempt int) (map[string]interface{}, error) {
	cfg := step.Config.LLM
	handle, ok := registry.Get(cfg.Provider)
	if !ok || handle.LLM == nil {
		return nil, core.NewFrameworkError("engine.invokeLLM", core.KindInvalidRequest, step.ID, fmt.Sprintf("no LLM capability registered for provider %q", cfg.Provider), nil)
	}

	prompt, err := ectx.Render(cfg.PromptTemplate, step.ID)
	if err != nil {
		return nil, err
	}
	system := ""
	if cfg.SystemTemplate != "" {
		system, err = ectx.Render(cfg.SystemTemplate, step.ID)
		if err != nil {
			return nil, err
		}
	}

	resp, err := handle.LLM.Complete(ctx, capability.LLMRequest{
		Model:          cfg.Model,
		Prompt:         prompt,
		System:         system,
		Temperature:    cfg.Temperature,
		MaxTokens:      cfg.MaxTokens,
		IdempotencyKey: idempotencyKey(ectx, step.ID, attempt),
	})
	if err != nil {
		return nil, err
	}

	values := []interface{}{resp.Text, resp.Model, resp.InputTokens + resp.OutputTokens, toInterfaceMap(resp.RawMetadata)}
	out := positionalOutputs(step.Outputs, values)
	out["_response"] = map[string]interface{}{
		"text":          resp.Text,
		"model":         resp.Model,
		"input_tokens":  resp.InputTokens,
		"output_tokens": resp.OutputTokens,
		"raw_metadata":  resp.RawMetadata,
	}
	return out, nil
}

func invokeEmbed(ctx context.Context, step *workflow.Step, ectx *execctx.Context, registry *capability.Registry, attempt int) (map[string]interface{}, error) {
	cfg := step.Config.Embed
	handle, ok := registry.Get(cfg.Provider)
	if !ok || handle.Embedding == nil {
		return nil, core.NewFrameworkError("engine.invokeEmbed", core.KindInvalidRequest, step.ID, fmt.Sprintf("no embedding capability registered for provider %q", cfg.Provider), nil)
	}

	input, err := ectx.Render(cfg.InputTemplate, step.ID)
	if err != nil {
		return nil, err
	}

	resp, err := handle.Embedding.Embed(ctx, capability.EmbedRequest{
		Model:          cfg.Model,
		Input:          []string{input},
		IdempotencyKey: idempotencyKey(ectx, step.ID, attempt),
	})
	if err != nil {
		return nil, err
	}

	var primary interface{}
	if len(resp.Vectors) > 0 {
		primary = floatSliceToInterface(resp.Vectors[0])
	}
	values := []interface{}{primary, resp.Model, resp.TokenUsage}
	out := positionalOutputs(step.Outputs, values)
	out["_response"] = map[string]interface{}{
		"vectors":     resp.Vectors,
		"model":       resp.Model,
		"token_usage": resp.TokenUsage,
	}
	return out, nil
}

// invokeVectorSearch resolves Query as a direct namespace path via
// execctx.ResolveValue rather than string Render, since the resolved value
// must be a vector, not text. Only the first declared output is populated
// (the ranked hit list); the "_response" debug key is an LLM/embed
// convention and is not written here.
func invokeVectorSearch(ctx context.Context, step *workflow.Step, ectx *execctx.Context, registry *capability.Registry) (map[string]interface{}, error) {
	cfg := step.Config.VectorSearch
	handle, ok := registry.Get(cfg.Database)
	if !ok || handle.Vector == nil {
		return nil, core.NewFrameworkError("engine.invokeVectorSearch", core.KindInvalidRequest, step.ID, fmt.Sprintf("no vector store capability registered for database %q", cfg.Database), nil)
	}

	raw, err := ectx.ResolveValue(cfg.Query, step.ID)
	if err != nil {
		return nil, err
	}
	vector, err := toFloat64Slice(raw)
	if err != nil {
		return nil, core.NewFrameworkError("engine.invokeVectorSearch", core.KindTemplate, step.ID, "query did not resolve to a numeric vector: "+err.Error(), err)
	}

	hits, err := handle.Vector.Search(ctx, capability.VectorSearchRequest{
		Index:           cfg.Index,
		QueryVector:     vector,
		TopK:            cfg.TopK,
		Namespace:       cfg.Namespace,
		Filter:          cfg.Filter,
		IncludeMetadata: cfg.IncludeMetadata,
		IncludeVectors:  cfg.IncludeVectors,
	})
	if err != nil {
		return nil, err
	}

	hitMaps := make([]interface{}, len(hits))
	for i, h := range hits {
		hm := map[string]interface{}{"id": h.ID, "score": h.Score}
		if cfg.IncludeMetadata {
			hm["metadata"] = h.Metadata
		}
		if cfg.IncludeVectors {
			hm["vector"] = floatSliceToInterface(h.Vector)
		}
		hitMaps[i] = hm
	}
	return positionalOutputs(step.Outputs, []interface{}{hitMaps}), nil
}

// invokeTransform parses each declared input as "name=path" (e.g.
// "source=steps.fetch.result"), resolves path via ResolveValue, and
// invokes the registered TransformFunc with the named arguments. The
// single declared output receives the function's "result" key.
func invokeTransform(step *workflow.Step, ectx *execctx.Context) (map[string]interface{}, error) {
	cfg := step.Config.Transform
	fn, ok := capability.Transforms[cfg.Function]
	if !ok {
		return nil, core.NewFrameworkError("engine.invokeTransform", core.KindValidation, step.ID, fmt.Sprintf("unknown transform function %q", cfg.Function), nil)
	}

	args := make(map[string]interface{}, len(cfg.Inputs))
	for _, decl := range cfg.Inputs {
		name, path, found := strings.Cut(decl, "=")
		if !found {
			return nil, core.NewFrameworkError("engine.invokeTransform", core.KindValidation, step.ID, fmt.Sprintf("transform input %q must be of the form name=path", decl), nil)
		}
		val, err := ectx.ResolveValue(path, step.ID)
		if err != nil {
			return nil, err
		}
		args[name] = val
	}

	res, err := fn(args)
	if err != nil {
		return nil, core.NewFrameworkError("engine.invokeTransform", core.KindInvalidRequest, step.ID, err.Error(), err)
	}
	return positionalOutputs(step.Outputs, []interface{}{res["result"]}), nil
}

// positionalOutputs assigns values[i] to outputs[i] in order; any declared
// output beyond len(values) gets an explicit nil — absent upstream fields
// are nil, not a render error.
func positionalOutputs(outputs []string, values []interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(outputs)+1)
	for i, name := range outputs {
		if i < len(values) {
			out[name] = values[i]
		} else {
			out[name] = nil
		}
	}
	return out
}

func toInterfaceMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

func floatSliceToInterface(v []float64) []interface{} {
	out := make([]interface{}, len(v))
	for i, f := range v {
		out[i] = f
	}
	return out
}

// toFloat64Slice accepts either a []float64 (a value another step wrote
// directly) or a []interface{} of numeric values (the shape a restored
// JSON snapshot produces), the two forms a vector can arrive in depending
// on whether it crossed a checkpoint round-trip.
func toFloat64Slice(v interface{}) ([]float64, error) {
	switch t := v.(type) {
	case []float64:
		return t, nil
	case []interface{}:
		out := make([]float64, len(t))
		for i, e := range t {
			f, ok := e.(float64)
			if !ok {
				return nil, fmt.Errorf("element %d is not numeric", i)
			}
			out[i] = f
		}
		return out, nil
	default:
		return nil, fmt.Errorf("value is not a vector (%T)", v)
	}
}
