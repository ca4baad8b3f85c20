// Package engine ties the Workflow Model (C1), DAG Builder (C2), Execution
// Context (C3), Step Executors (C4, dispatch.go), and State Store Adapter
// (C7, persist.go) together into the Scheduler/Runner (C5): the
// event-driven ready-set loop that drives a workflow to completion under
// bounded concurrency and a workflow-level deadline.
//
// Readiness is notification-driven, never polled: each spawned task
// delivers exactly one outcome on a completion channel, and the loop
// blocks on that channel (or the deadline) when nothing is admittable.
// Whichever task finishes first wins — completion order is the order
// tasks actually finish, not launch order.
package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/flowloom/engine/capability"
	"github.com/flowloom/engine/core"
	"github.com/flowloom/engine/dag"
	"github.com/flowloom/engine/execctx"
	"github.com/flowloom/engine/statestore"
	"github.com/flowloom/engine/workflow"
)

// Options configures one Execute/Resume call. There is no separate
// cancellation-token type: the ctx passed to Execute/Resume is the
// cancellation signal, observed by every in-flight task at its next
// suspension point.
type Options struct {
	MaxConcurrency      int
	DefaultRetryPolicy  *workflow.RetryPolicy
	WorkflowTimeout     time.Duration // 0 => wf.EffectiveTimeout()
	CheckpointRetention int           // 0 => keep latest 10

	Store    statestore.Store // nil disables persistence (unit tests)
	Registry *capability.Registry
	Clock    core.Clock  // nil => core.NewRealClock()
	Logger   core.Logger // nil => core.NoOpLogger{}
}

func (o Options) resolve() Options {
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = 10
	}
	if o.CheckpointRetention <= 0 {
		o.CheckpointRetention = 10
	}
	if o.Clock == nil {
		o.Clock = core.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = core.NoOpLogger{}
	}
	if o.Registry == nil {
		o.Registry = capability.NewRegistry()
	}
	return o
}

// applyDefaultRetryPolicy threads opts.DefaultRetryPolicy onto wf when wf
// itself declares no default, without mutating the caller's Workflow value
// (Workflow is immutable once validated per C1).
func applyDefaultRetryPolicy(wf *workflow.Workflow, opts Options) *workflow.Workflow {
	if opts.DefaultRetryPolicy == nil || wf.DefaultRetryPolicy != nil {
		return wf
	}
	cp := *wf
	cp.DefaultRetryPolicy = opts.DefaultRetryPolicy
	return &cp
}

// Result is the caller-facing outcome of Execute/Resume. Steps is
// populated even when Err is non-nil: callers always receive the partial
// per-step map alongside the terminal error.
type Result struct {
	StateID string
	Status  statestore.WorkflowStatus
	Steps   map[string]execctx.StepResult
	Err     error
}

// TimeoutError is surfaced (as Result.Err) when the workflow-level deadline
// fires before every step reaches a terminal status.
type TimeoutError struct {
	Duration time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("workflow timed out after %s", e.Duration)
}

// Execute drives wf to completion from scratch: a fresh execution context
// seeded with inputs, a freshly generated state_id, and the initial ready
// set of every dependency-free step.
func Execute(ctx context.Context, wf *workflow.Workflow, inputs map[string]interface{}, opts Options) (Result, error) {
	opts = opts.resolve()
	wf = applyDefaultRetryPolicy(wf, opts)

	graph, err := dag.Build(wf)
	if err != nil {
		return Result{}, err
	}

	ectx := execctx.New(wf.ID, inputs)
	stateID := uuid.New().String()
	startedAt := opts.Clock.Now()

	return runLoop(ctx, wf, graph, ectx, stateID, startedAt, time.Time{}, graph.RootSteps(), opts)
}

// Resume re-enters the scheduler loop for a previously interrupted
// execution, driven by the recovery controller. ectx must already be
// Restore()d from state's serialized context by the caller; Resume itself
// resets any step recorded running at snapshot time back to pending (the
// engine cannot know whether the prior attempt's external effect was
// observed, so it is retried from scratch subject to its retry budget) and
// computes the resume frontier before re-entering the normal loop.
func Resume(ctx context.Context, wf *workflow.Workflow, state statestore.WorkflowState, ectx *execctx.Context, opts Options) (Result, error) {
	opts = opts.resolve()
	wf = applyDefaultRetryPolicy(wf, opts)

	graph, err := dag.Build(wf)
	if err != nil {
		return Result{}, err
	}

	for stepID, row := range state.Steps {
		if row.Status == execctx.StepRunning {
			ectx.ResetToPending(stepID)
		}
	}

	ready := resumeFrontier(graph, ectx)
	return runLoop(ctx, wf, graph, ectx, state.StateID, state.StartedAt, state.UpdatedAt, ready, opts)
}

// resumeFrontier computes the recovery frontier: every step whose
// dependencies are all terminal (completed or skipped — a failed
// dependency never satisfies a successor) and whose own status is pending.
func resumeFrontier(graph *dag.Graph, ectx *execctx.Context) []string {
	var ready []string
	for _, id := range graph.StepIDs() {
		if ectx.StepStatusOf(id) != execctx.StepPending {
			continue
		}
		if depsSatisfied(graph, ectx, id) {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

func depsSatisfied(graph *dag.Graph, ectx *execctx.Context, stepID string) bool {
	for _, dep := range graph.Dependencies(stepID) {
		st := ectx.StepStatusOf(dep)
		if st != execctx.StepCompleted && st != execctx.StepSkipped {
			return false
		}
	}
	return true
}

// runLoop drives the graph: seed the ready set, admit up to
// MaxConcurrency steps at a time (deterministic lexicographic tie-break),
// await the first completion (never a fixed index — whichever task
// finishes first), persist + compute successors, and repeat until
// the ready set and in-flight set are both empty. A step failure or the
// workflow deadline firing stops admission (graceful drain: in-flight
// tasks are always awaited to a terminal status) but never aborts
// in-flight work outright.
func runLoop(
	ctx context.Context,
	wf *workflow.Workflow,
	graph *dag.Graph,
	ectx *execctx.Context,
	stateID string,
	startedAt time.Time,
	prevUpdatedAt time.Time,
	initialReady []string,
	opts Options,
) (result Result, resultErr error) {
	timeout := opts.WorkflowTimeout
	if timeout <= 0 {
		timeout = time.Duration(wf.EffectiveTimeout()) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	runCtx, span := startWorkflowSpan(runCtx, "engine.runLoop", wf.ID, stateID)
	defer func() { endWorkflowSpan(span, string(result.Status), resultErr) }()

	prevUpdatedAt, err := saveWorkflowStateOnly(ctx, opts.Store, stateID, wf, ectx, opts.Clock, statestore.WorkflowRunning, prevUpdatedAt, startedAt, "")
	if err != nil {
		return buildResult(stateID, statestore.WorkflowFailed, ectx, err), err
	}

	ready := append([]string(nil), initialReady...)
	sort.Strings(ready)
	inFlight := make(map[string]bool, opts.MaxConcurrency)
	// Buffered to MaxConcurrency so a task's single send can never block:
	// the drain loop below relies on every launched task eventually
	// delivering exactly one outcome, even when the run context is already
	// cancelled.
	completions := make(chan stepOutcome, opts.MaxConcurrency)

	launch := func(stepID string) {
		step, _ := wf.Step(stepID)
		ectx.RecordStart(stepID)
		inFlight[stepID] = true
		go func() {
			completions <- executeStep(runCtx, wf, step, ectx, opts.Registry, opts.Clock)
		}()
	}

	handleCompletion := func(out stepOutcome) error {
		delete(inFlight, out.stepID)
		if r, ok := ectx.Result(out.stepID); ok {
			addStepEvent(span, out.stepID, string(out.status), r.RetryCount)
		}
		var perr error
		prevUpdatedAt, perr = persistStep(ctx, opts.Store, stateID, wf, ectx, opts.Clock, statestore.WorkflowRunning, prevUpdatedAt, startedAt, "", out.stepID, opts.CheckpointRetention)
		if perr != nil {
			return perr
		}
		if out.status != execctx.StepFailed {
			succ := graph.ReadySuccessors(out.stepID, func(depID string) bool {
				st := ectx.StepStatusOf(depID)
				return st == execctx.StepCompleted || st == execctx.StepSkipped
			})
			ready = append(ready, succ...)
			sort.Strings(ready)
		}
		return nil
	}

	var draining, timedOut, cancelled bool
	var loopErr error

	for {
		for !draining && len(ready) > 0 && len(inFlight) < opts.MaxConcurrency {
			id := ready[0]
			ready = ready[1:]
			launch(id)
		}

		if len(inFlight) == 0 && (draining || len(ready) == 0) {
			break
		}

		if draining {
			out := <-completions
			if err := handleCompletion(out); err != nil {
				loopErr = err
				break
			}
			continue
		}

		select {
		case out := <-completions:
			if err := handleCompletion(out); err != nil {
				loopErr = err
				draining = true
				continue
			}
			if out.status == execctx.StepFailed {
				draining = true
			}
		case <-runCtx.Done():
			// distinguish the workflow deadline firing from the caller
			// cancelling the whole execution.
			cancelled = ctx.Err() != nil
			timedOut = !cancelled
			draining = true
		}
	}

	reason := ""
	switch {
	case loopErr != nil:
		// a state-store conflict means another runner now owns this
		// state_id; stop touching the context or the store entirely.
		return buildResult(stateID, statestore.WorkflowFailed, ectx, loopErr), loopErr
	case cancelled:
		reason = "execution cancelled"
	case timedOut:
		reason = "workflow timeout"
	case draining:
		reason = "upstream step failure"
	}

	if reason != "" {
		markRemainingSkipped(graph, ectx, reason)
	}

	var finalStatus statestore.WorkflowStatus
	switch {
	case cancelled:
		finalStatus = statestore.WorkflowFailed
		resultErr = core.NewFrameworkError("engine.runLoop", core.KindCancelled, stateID, "execution cancelled", ctx.Err())
	case timedOut:
		finalStatus = statestore.WorkflowFailed
		resultErr = &TimeoutError{Duration: timeout}
	case draining:
		finalStatus = statestore.WorkflowFailed
		resultErr = firstFailure(ectx, graph)
	default:
		finalStatus = statestore.WorkflowCompleted
	}

	workflowErrMsg := ""
	if resultErr != nil {
		workflowErrMsg = resultErr.Error()
	}
	// the terminal state write must survive caller cancellation, or a
	// cancelled run would be left recorded as still running.
	if _, err := saveWorkflowStateOnly(context.WithoutCancel(ctx), opts.Store, stateID, wf, ectx, opts.Clock, finalStatus, prevUpdatedAt, startedAt, workflowErrMsg); err != nil {
		if resultErr == nil {
			resultErr = err
		}
	}

	return buildResult(stateID, finalStatus, ectx, resultErr), resultErr
}

// markRemainingSkipped is the single terminal-state reducer for both drain
// paths: every step that never reached a terminal status is marked skipped
// with reason, whether the drain was triggered by a workflow timeout or by
// an upstream step failure. Once a run is over, every non-skipped step is
// either completed or failed — there is no lingering pending state.
func markRemainingSkipped(graph *dag.Graph, ectx *execctx.Context, reason string) {
	for _, id := range graph.StepIDs() {
		if !ectx.StepStatusOf(id).IsTerminal() {
			ectx.RecordSkipped(id, reason)
		}
	}
}

// firstFailure returns the classified error of the first (lexicographically
// by step id) step that recorded a failure, for the workflow-level error
// surfaced to the caller.
func firstFailure(ectx *execctx.Context, graph *dag.Graph) error {
	for _, id := range graph.StepIDs() {
		if r, ok := ectx.Result(id); ok && r.Status == execctx.StepFailed && r.Error != nil {
			return r.Error
		}
	}
	return core.NewFrameworkError("engine.runLoop", core.KindUnknown, "", "workflow failed", nil)
}

func buildResult(stateID string, status statestore.WorkflowStatus, ectx *execctx.Context, err error) Result {
	return Result{StateID: stateID, Status: status, Steps: ectx.AllResults(), Err: err}
}
