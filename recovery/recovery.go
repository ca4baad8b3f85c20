// Package recovery implements crash recovery. On process start it
// enumerates every non-terminal workflow the state store knows about,
// restores each from its latest checkpoint, computes the resume frontier,
// and re-enters the scheduler loop through engine.Resume.
package recovery

import (
	"context"

	"github.com/flowloom/engine/core"
	"github.com/flowloom/engine/engine"
	"github.com/flowloom/engine/execctx"
	"github.com/flowloom/engine/statestore"
	"github.com/flowloom/engine/workflow"
)

// WorkflowLookup resolves a workflow_id to its (programmatically
// constructed) Workflow definition. Workflow definitions are never parsed
// from a stored document — loading them is the caller's job — so the
// recovery controller asks its caller for this instead of deriving it from
// the state store.
type WorkflowLookup func(workflowID string) (*workflow.Workflow, bool)

// Outcome pairs one recovered execution's Result with the error (if any)
// recovering it at all, so one unrecoverable workflow (missing definition,
// corrupt checkpoint) never aborts recovery of the rest.
type Outcome struct {
	StateID    string
	WorkflowID string
	Result     engine.Result
	Err        error
}

// Recover runs the startup sequence: list the active workflows, then for
// each, fetch and restore its latest checkpoint (falling back to the state
// store's own saved state when no checkpoint exists yet — a workflow can
// crash before its first step ever completes, before any checkpoint was
// ever written), then Resume. Workflows are resumed one after another:
// each resume runs to completion (or to its next interruption) before the
// next workflow's recovery begins.
func Recover(ctx context.Context, store statestore.Store, lookup WorkflowLookup, opts engine.Options) ([]Outcome, error) {
	states, err := store.ListActiveWorkflows(ctx)
	if err != nil {
		return nil, err
	}

	outcomes := make([]Outcome, 0, len(states))
	for _, st := range states {
		outcomes = append(outcomes, recoverOne(ctx, store, lookup, st, opts))
	}
	return outcomes, nil
}

func recoverOne(ctx context.Context, store statestore.Store, lookup WorkflowLookup, st statestore.WorkflowState, opts engine.Options) Outcome {
	wf, ok := lookup(st.WorkflowID)
	if !ok {
		err := core.NewFrameworkError("recovery.Recover", core.KindNotFound, st.WorkflowID, "no workflow definition registered for this workflow_id", nil)
		return Outcome{StateID: st.StateID, WorkflowID: st.WorkflowID, Err: err}
	}

	hydrated := st
	if cp, found, err := store.GetLatestCheckpoint(ctx, st.StateID); err == nil && found {
		if restored, err := store.RestoreFromCheckpoint(ctx, cp.CheckpointID); err == nil {
			hydrated = restored
		}
	}

	ectx := execctx.New(wf.ID, hydrated.Context.Inputs)
	ectx.Restore(hydrated.Context)

	res, err := engine.Resume(ctx, wf, hydrated, ectx, opts)
	return Outcome{StateID: hydrated.StateID, WorkflowID: wf.ID, Result: res, Err: err}
}
