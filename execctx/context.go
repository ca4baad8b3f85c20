// Package execctx implements the shared, mutable execution context of one
// workflow run: the inputs/outputs/steps namespace view every template
// render and condition evaluation is computed against. Rendering is a
// recursive lookup over those three namespaces; a missing path is an
// error, never a silent empty string.
package execctx

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowloom/engine/core"
)

// StepStatus is the per-step lifecycle state.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// IsTerminal reports whether status is one of the three terminal states.
func (s StepStatus) IsTerminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepSkipped
}

// StepResult is the per-step result summary recorded into the context.
type StepResult struct {
	Status     StepStatus
	StartTime  *time.Time
	EndTime    *time.Time
	Outputs    map[string]interface{}
	Error      *core.FrameworkError
	RetryCount int
}

// Context is the thread-safe shared execution state for one workflow run.
// A single critical section guards every mutation; template renders take a
// point-in-time snapshot so a reader never observes a half-written step.
type Context struct {
	mu sync.RWMutex

	ExecutionID string
	WorkflowID  string
	Inputs      map[string]interface{}

	outputs map[string]map[string]interface{} // step id -> output name -> value
	results map[string]*StepResult            // step id -> result summary
}

// New creates a fresh execution context for a workflow run with a
// generated execution id.
func New(workflowID string, inputs map[string]interface{}) *Context {
	return &Context{
		ExecutionID: uuid.New().String(),
		WorkflowID:  workflowID,
		Inputs:      inputs,
		outputs:     make(map[string]map[string]interface{}),
		results:     make(map[string]*StepResult),
	}
}

// RecordStart marks a step running and stamps its start time.
func (c *Context) RecordStart(stepID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.results[stepID] = &StepResult{Status: StepRunning, StartTime: &now}
}

// RecordCompletion atomically publishes a step's outputs into the context
// and marks it completed. Outputs are write-once per step execution: a
// retrying step's prior partial outputs for this same step are replaced
// wholesale, never merged field-by-field, so a reader never observes a mix
// of two attempts.
func (c *Context) RecordCompletion(stepID string, outputs map[string]interface{}, retryCount int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	prev := c.results[stepID]
	var start *time.Time
	if prev != nil {
		start = prev.StartTime
	}
	c.outputs[stepID] = outputs
	c.results[stepID] = &StepResult{
		Status:     StepCompleted,
		StartTime:  start,
		EndTime:    &now,
		Outputs:    outputs,
		RetryCount: retryCount,
	}
}

// RecordFailure marks a step failed with a classified error.
func (c *Context) RecordFailure(stepID string, classified *core.FrameworkError, retryCount int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	prev := c.results[stepID]
	var start *time.Time
	if prev != nil {
		start = prev.StartTime
	}
	c.results[stepID] = &StepResult{
		Status:     StepFailed,
		StartTime:  start,
		EndTime:    &now,
		Error:      classified,
		RetryCount: retryCount,
	}
}

// RecordSkipped marks a step skipped: its condition evaluated false, an
// upstream dependency failed, or the workflow reached a terminal status
// (timeout/cancellation) before the step ever started. reason is optional
// diagnostic context (e.g. "workflow timeout") surfaced via the result's
// Error field for inspection; it never changes the Skipped status itself.
func (c *Context) RecordSkipped(stepID string, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	r := &StepResult{Status: StepSkipped, EndTime: &now}
	if reason != "" {
		r.Error = core.NewFrameworkError("Context.RecordSkipped", core.KindCancelled, stepID, reason, nil)
	}
	c.results[stepID] = r
}

// ResetToPending clears any recorded result and output for stepID, so
// StepStatusOf reports the implicit pending default again. Used on resume
// for steps snapshotted mid-flight: the engine cannot know whether their
// prior attempt's external effect was observed, so they are retried from
// scratch subject to their retry budget rather than resumed mid-attempt.
func (c *Context) ResetToPending(stepID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.results, stepID)
	delete(c.outputs, stepID)
}

// StepStatusOf returns the current status of stepID, defaulting to pending
// for a step that has not yet been recorded.
func (c *Context) StepStatusOf(stepID string) StepStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if r, ok := c.results[stepID]; ok {
		return r.Status
	}
	return StepPending
}

// Result returns a copy of the recorded result for stepID, if any.
func (c *Context) Result(stepID string) (StepResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.results[stepID]
	if !ok {
		return StepResult{}, false
	}
	return *r, true
}

// AllResults returns a shallow copy of every recorded step result, used to
// assemble the caller-facing per-step-result map.
func (c *Context) AllResults() map[string]StepResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]StepResult, len(c.results))
	for k, v := range c.results {
		out[k] = *v
	}
	return out
}

// namespaces builds the point-in-time lookup tree this execution's Render
// and EvaluateCondition operate over: {inputs, outputs, steps}. steps is a
// per-step view over the same outputs[step_id] copies (including any
// "_response" debug key the step published).
func (c *Context) namespaces() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	outputsCopy := make(map[string]interface{}, len(c.outputs))
	stepsCopy := make(map[string]interface{}, len(c.outputs))
	for stepID, out := range c.outputs {
		outCopy := make(map[string]interface{}, len(out))
		for k, v := range out {
			outCopy[k] = v
		}
		outputsCopy[stepID] = outCopy
		stepsCopy[stepID] = outCopy
	}
	return map[string]interface{}{
		"inputs":  c.Inputs,
		"outputs": outputsCopy,
		"steps":   stepsCopy,
	}
}

// templateError is a non-retryable classified error for render/condition
// failures.
func templateError(op, stepID, msg string) *core.FrameworkError {
	return core.NewFrameworkError(op, core.KindTemplate, stepID, msg, nil)
}

// lookupPath walks a dotted path (e.g. "steps.s1.text") through root,
// returning the value found and whether every segment resolved to
// something. A nil intermediate value is a legitimate "field present but
// absent-valued" result; only an entirely undeclared path segment on a map
// is unresolved.
func lookupPath(root interface{}, path []string) (interface{}, bool) {
	cur := root
	for _, seg := range path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, present := m[seg]
		if !present {
			return nil, false
		}
		cur = v
	}
	return cur, true
}
