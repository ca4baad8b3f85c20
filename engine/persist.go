package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/flowloom/engine/core"
	"github.com/flowloom/engine/execctx"
	"github.com/flowloom/engine/statestore"
	"github.com/flowloom/engine/workflow"
)

// buildStepRows converts every recorded result in ectx into the durable
// row shape statestore persists, covering steps that have not yet been
// recorded (they default to pending, matching execctx.StepStatusOf).
func buildStepRows(wf *workflow.Workflow, ectx *execctx.Context) map[string]statestore.StepStateRow {
	rows := make(map[string]statestore.StepStateRow, len(wf.Steps))
	for _, id := range wf.StepIDs() {
		r, ok := ectx.Result(id)
		if !ok {
			rows[id] = statestore.StepStateRow{StepID: id, Status: execctx.StepPending}
			continue
		}
		row := statestore.StepStateRow{
			StepID:     id,
			Status:     r.Status,
			StartTime:  r.StartTime,
			EndTime:    r.EndTime,
			Outputs:    r.Outputs,
			RetryCount: r.RetryCount,
		}
		if r.Error != nil {
			row.ErrorKind = string(r.Error.Kind)
			row.ErrorMsg = r.Error.Error()
		}
		rows[id] = row
	}
	return rows
}

// persistStep implements the durability ordering for one step transition:
// step-state persist (embedded in the owning workflow_state row — see
// statestore.Store), then checkpoint, then (by the caller, after this
// returns) successor computation. Returns the state's fresh UpdatedAt
// for the next optimistic write, or an error if the store rejected the
// write (e.g. core.ErrConflict — another runner now owns this state_id).
func persistStep(
	ctx context.Context,
	store statestore.Store,
	stateID string,
	wf *workflow.Workflow,
	ectx *execctx.Context,
	clock core.Clock,
	status statestore.WorkflowStatus,
	prevUpdatedAt, startedAt time.Time,
	workflowErr string,
	stepID string,
	retention int,
) (time.Time, error) {
	if store == nil {
		return clock.Now(), nil
	}

	now := clock.Now()
	state := statestore.WorkflowState{
		StateID:    stateID,
		WorkflowID: wf.ID,
		Status:     status,
		StartedAt:  startedAt,
		UpdatedAt:  now,
		Context:    ectx.Snapshot(),
		Error:      workflowErr,
		Steps:      buildStepRows(wf, ectx),
	}
	if status == statestore.WorkflowCompleted || status == statestore.WorkflowFailed {
		state.CompletedAt = &now
	}

	ctx, span := startStoreSpan(ctx, "engine.persistStep", stateID, stepID)
	defer span.End()

	if err := store.SaveWorkflowState(ctx, state, prevUpdatedAt); err != nil {
		recordStoreError(span, err)
		return prevUpdatedAt, core.NewFrameworkError("engine.persistStep", core.KindStateStore, stateID, fmt.Sprintf("save workflow state failed after step %q", stepID), err)
	}

	cp := statestore.Checkpoint{StateID: stateID, StepID: stepID, Timestamp: now, State: state}
	if err := store.CreateCheckpoint(ctx, cp, retention); err != nil {
		recordStoreError(span, err)
		return now, core.NewFrameworkError("engine.persistStep", core.KindStateStore, stateID, fmt.Sprintf("create checkpoint failed after step %q", stepID), err)
	}

	return now, nil
}

// saveWorkflowStateOnly writes the workflow_states row without creating a
// checkpoint: used for the run's opening "pending -> running" transition
// and its closing transition to a terminal status. Checkpoints mark
// per-step boundaries, not workflow start/end.
func saveWorkflowStateOnly(
	ctx context.Context,
	store statestore.Store,
	stateID string,
	wf *workflow.Workflow,
	ectx *execctx.Context,
	clock core.Clock,
	status statestore.WorkflowStatus,
	prevUpdatedAt, startedAt time.Time,
	workflowErr string,
) (time.Time, error) {
	if store == nil {
		return clock.Now(), nil
	}

	now := clock.Now()
	state := statestore.WorkflowState{
		StateID:    stateID,
		WorkflowID: wf.ID,
		Status:     status,
		StartedAt:  startedAt,
		UpdatedAt:  now,
		Context:    ectx.Snapshot(),
		Error:      workflowErr,
		Steps:      buildStepRows(wf, ectx),
	}
	if status == statestore.WorkflowCompleted || status == statestore.WorkflowFailed {
		state.CompletedAt = &now
	}

	if err := store.SaveWorkflowState(ctx, state, prevUpdatedAt); err != nil {
		return prevUpdatedAt, core.NewFrameworkError("engine.saveWorkflowStateOnly", core.KindStateStore, stateID, "save workflow state failed", err)
	}
	return now, nil
}
