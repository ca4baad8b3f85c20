package statestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowloom/engine/core"
	"github.com/flowloom/engine/execctx"
)

// setupSQLiteTestStore opens a real sqlite database in a per-test temp
// directory — an actual (if embedded) backend rather than a driver mock, so
// these tests exercise the real SQL the store issues, including the
// conditional UPDATE that implements optimistic concurrency.
func setupSQLiteTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLiteStore(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteSaveAndLoadWorkflowState(t *testing.T) {
	store := setupSQLiteTestStore(t)
	ctx := context.Background()
	now := time.Now()

	state := sampleState("s1", WorkflowRunning, now)
	state.Context = execctx.Snapshot{
		WorkflowID: "wf-1",
		Inputs:     map[string]interface{}{"topic": "graphs"},
		Outputs:    map[string]map[string]interface{}{"a": {"out": "x"}},
	}
	state.Steps = map[string]StepStateRow{
		"a": {StepID: "a", Status: execctx.StepCompleted, RetryCount: 1},
	}
	require.NoError(t, store.SaveWorkflowState(ctx, state, time.Time{}))

	loaded, err := store.LoadWorkflowState(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "wf-1", loaded.WorkflowID)
	assert.Equal(t, WorkflowRunning, loaded.Status)
	assert.Equal(t, "graphs", loaded.Context.Inputs["topic"])
	assert.Equal(t, "x", loaded.Context.Outputs["a"]["out"])
	assert.Equal(t, 1, loaded.Steps["a"].RetryCount)

	byWf, err := store.LoadWorkflowStateByWorkflowID(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "s1", byWf.StateID)
}

func TestSQLiteLoadMissingStateReturnsNotFound(t *testing.T) {
	store := setupSQLiteTestStore(t)
	_, err := store.LoadWorkflowState(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, core.IsNotFound(err))
}

func TestSQLiteSaveDetectsOptimisticConcurrencyConflict(t *testing.T) {
	store := setupSQLiteTestStore(t)
	ctx := context.Background()
	t0 := time.Now()

	require.NoError(t, store.SaveWorkflowState(ctx, sampleState("s1", WorkflowRunning, t0), time.Time{}))

	// a second writer observed t0 and advances the row to t1; a stale third
	// write still keyed on t0 must then be rejected.
	t1 := t0.Add(time.Second)
	require.NoError(t, store.SaveWorkflowState(ctx, sampleState("s1", WorkflowRunning, t1), t0))

	err := store.SaveWorkflowState(ctx, sampleState("s1", WorkflowCompleted, t0.Add(2*time.Second)), t0)
	require.Error(t, err)
	assert.True(t, core.IsConflict(err))
}

func TestSQLiteListActiveWorkflowsExcludesTerminalStates(t *testing.T) {
	store := setupSQLiteTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.SaveWorkflowState(ctx, sampleState("running", WorkflowRunning, now), time.Time{}))
	require.NoError(t, store.SaveWorkflowState(ctx, sampleState("paused", WorkflowPaused, now), time.Time{}))
	require.NoError(t, store.SaveWorkflowState(ctx, sampleState("done", WorkflowCompleted, now), time.Time{}))

	active, err := store.ListActiveWorkflows(ctx)
	require.NoError(t, err)
	ids := make([]string, len(active))
	for i, st := range active {
		ids[i] = st.StateID
	}
	assert.ElementsMatch(t, []string{"running", "paused"}, ids)
}

func TestSQLiteCreateCheckpointAndGetLatest(t *testing.T) {
	store := setupSQLiteTestStore(t)
	ctx := context.Background()
	base := time.Now()

	for i, stepID := range []string{"s1", "s2", "s3"} {
		cp := Checkpoint{StateID: "st-1", StepID: stepID, Timestamp: base.Add(time.Duration(i) * time.Second), State: sampleState("st-1", WorkflowRunning, base)}
		require.NoError(t, store.CreateCheckpoint(ctx, cp, 10))
	}

	latest, found, err := store.GetLatestCheckpoint(ctx, "st-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "s3", latest.StepID)

	restored, err := store.RestoreFromCheckpoint(ctx, latest.CheckpointID)
	require.NoError(t, err)
	assert.Equal(t, "st-1", restored.StateID)
}

func TestSQLiteCreateCheckpointPrunesBeyondRetention(t *testing.T) {
	store := setupSQLiteTestStore(t)
	ctx := context.Background()
	base := time.Now()

	for i := 0; i < 5; i++ {
		cp := Checkpoint{StateID: "st-1", StepID: "s", Timestamp: base.Add(time.Duration(i) * time.Second), State: sampleState("st-1", WorkflowRunning, base)}
		require.NoError(t, store.CreateCheckpoint(ctx, cp, 2))
	}

	var count int
	require.NoError(t, store.db.QueryRow(`SELECT COUNT(*) FROM checkpoints WHERE state_id='st-1'`).Scan(&count))
	assert.Equal(t, 2, count)

	// the two survivors must be the newest two
	latest, found, err := store.GetLatestCheckpoint(ctx, "st-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, latest.Timestamp.Equal(base.Add(4*time.Second)), "latest surviving checkpoint should be the newest one written")
}

func TestSQLiteGetLatestCheckpointWhenNoneExist(t *testing.T) {
	store := setupSQLiteTestStore(t)
	_, found, err := store.GetLatestCheckpoint(context.Background(), "no-such-state")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSQLiteDeleteOldStatesPurgesOnlyAgedTerminalStates(t *testing.T) {
	store := setupSQLiteTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()

	require.NoError(t, store.SaveWorkflowState(ctx, sampleState("old-done", WorkflowCompleted, old), time.Time{}))
	require.NoError(t, store.SaveWorkflowState(ctx, sampleState("recent-done", WorkflowCompleted, recent), time.Time{}))
	require.NoError(t, store.SaveWorkflowState(ctx, sampleState("old-running", WorkflowRunning, old), time.Time{}))

	require.NoError(t, store.DeleteOldStates(ctx, time.Now().Add(-time.Hour)))

	_, err := store.LoadWorkflowState(ctx, "old-done")
	assert.True(t, core.IsNotFound(err), "aged terminal state should be purged")

	_, err = store.LoadWorkflowState(ctx, "recent-done")
	assert.NoError(t, err, "recent terminal state should survive")

	_, err = store.LoadWorkflowState(ctx, "old-running")
	assert.NoError(t, err, "active state should never be purged regardless of age")
}

func TestSQLiteHealthCheck(t *testing.T) {
	store := setupSQLiteTestStore(t)
	assert.NoError(t, store.HealthCheck(context.Background()))
}
