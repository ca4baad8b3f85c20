package recovery

import (
	"context"
	"sync"
	"time"

	"github.com/flowloom/engine/core"
	"github.com/flowloom/engine/statestore"
)

// fakeStore is a minimal in-memory statestore.Store used only by this
// package's tests, standing in for a real backend so recovery tests don't
// need a live Redis/Postgres/SQLite instance to exercise the crash-recovery
// path end to end.
type fakeStore struct {
	mu          sync.Mutex
	states      map[string]statestore.WorkflowState
	checkpoints map[string][]statestore.Checkpoint
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		states:      make(map[string]statestore.WorkflowState),
		checkpoints: make(map[string][]statestore.Checkpoint),
	}
}

func (f *fakeStore) SaveWorkflowState(ctx context.Context, state statestore.WorkflowState, prevUpdatedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.states[state.StateID]; ok && !prevUpdatedAt.IsZero() && !existing.UpdatedAt.Equal(prevUpdatedAt) {
		return core.ErrConflict
	}
	f.states[state.StateID] = state
	return nil
}

func (f *fakeStore) LoadWorkflowState(ctx context.Context, stateID string) (statestore.WorkflowState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[stateID]
	if !ok {
		return statestore.WorkflowState{}, core.ErrNotFound
	}
	return st, nil
}

func (f *fakeStore) LoadWorkflowStateByWorkflowID(ctx context.Context, workflowID string) (statestore.WorkflowState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, st := range f.states {
		if st.WorkflowID == workflowID {
			return st, nil
		}
	}
	return statestore.WorkflowState{}, core.ErrNotFound
}

func (f *fakeStore) ListActiveWorkflows(ctx context.Context) ([]statestore.WorkflowState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []statestore.WorkflowState
	for _, st := range f.states {
		if st.Status.IsActive() {
			out = append(out, st)
		}
	}
	return out, nil
}

func (f *fakeStore) CreateCheckpoint(ctx context.Context, cp statestore.Checkpoint, retention int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := append(f.checkpoints[cp.StateID], cp)
	if retention > 0 && len(list) > retention {
		list = list[len(list)-retention:]
	}
	f.checkpoints[cp.StateID] = list
	return nil
}

func (f *fakeStore) GetLatestCheckpoint(ctx context.Context, stateID string) (statestore.Checkpoint, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.checkpoints[stateID]
	if len(list) == 0 {
		return statestore.Checkpoint{}, false, nil
	}
	return list[len(list)-1], true, nil
}

func (f *fakeStore) RestoreFromCheckpoint(ctx context.Context, checkpointID string) (statestore.WorkflowState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, list := range f.checkpoints {
		for _, cp := range list {
			if cp.CheckpointID == checkpointID {
				return cp.State, nil
			}
		}
	}
	return statestore.WorkflowState{}, core.ErrNotFound
}

func (f *fakeStore) DeleteOldStates(ctx context.Context, olderThan time.Time) error { return nil }

func (f *fakeStore) CleanupOldCheckpoints(ctx context.Context, stateID string, keepCount int) error {
	return nil
}

func (f *fakeStore) HealthCheck(ctx context.Context) error { return nil }
