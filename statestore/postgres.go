package statestore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/flowloom/engine/core"
)

// PostgresStore is the relational Store backend selected by
// core.Config.StateStore == BackendRelational. Optimistic concurrency is
// enforced with a conditional UPDATE ... WHERE updated_at = $old, the
// relational analogue of the Redis backend's client.Watch transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an already-connected pool. Schema is assumed
// pre-provisioned (workflow_states, checkpoints) by migration tooling
// outside this package's scope.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) SaveWorkflowState(ctx context.Context, state WorkflowState, prevUpdatedAt time.Time) error {
	contextJSON, err := json.Marshal(state.Context)
	if err != nil {
		return core.NewFrameworkError("PostgresStore.SaveWorkflowState", core.KindStateStore, state.StateID, "encode context failed", err)
	}
	stepsJSON, err := json.Marshal(state.Steps)
	if err != nil {
		return core.NewFrameworkError("PostgresStore.SaveWorkflowState", core.KindStateStore, state.StateID, "encode steps failed", err)
	}

	if prevUpdatedAt.IsZero() {
		_, err = s.pool.Exec(ctx, `
			INSERT INTO workflow_states (state_id, workflow_id, status, started_at, updated_at, completed_at, context, error, steps)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (state_id) DO UPDATE SET
				status=$3, updated_at=$5, completed_at=$6, context=$7, error=$8, steps=$9`,
			state.StateID, state.WorkflowID, state.Status, state.StartedAt, state.UpdatedAt, state.CompletedAt, contextJSON, state.Error, stepsJSON)
		if err != nil {
			return core.NewFrameworkError("PostgresStore.SaveWorkflowState", core.KindStateStore, state.StateID, "insert failed", err)
		}
		return nil
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_states
		SET status=$1, updated_at=$2, completed_at=$3, context=$4, error=$5, steps=$6
		WHERE state_id=$7 AND updated_at=$8`,
		state.Status, state.UpdatedAt, state.CompletedAt, contextJSON, state.Error, stepsJSON, state.StateID, prevUpdatedAt)
	if err != nil {
		return core.NewFrameworkError("PostgresStore.SaveWorkflowState", core.KindStateStore, state.StateID, "update failed", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrConflict
	}
	return nil
}

func (s *PostgresStore) scanState(ctx context.Context, query string, args ...interface{}) (WorkflowState, error) {
	row := s.pool.QueryRow(ctx, query, args...)
	var st WorkflowState
	var contextJSON, stepsJSON []byte
	var errStr *string
	if err := row.Scan(&st.StateID, &st.WorkflowID, &st.Status, &st.StartedAt, &st.UpdatedAt, &st.CompletedAt, &contextJSON, &errStr, &stepsJSON); err != nil {
		return WorkflowState{}, core.NewFrameworkError("PostgresStore.scanState", core.KindNotFound, "", "no such workflow state", core.ErrNotFound)
	}
	if errStr != nil {
		st.Error = *errStr
	}
	_ = json.Unmarshal(contextJSON, &st.Context)
	_ = json.Unmarshal(stepsJSON, &st.Steps)
	return st, nil
}

func (s *PostgresStore) LoadWorkflowState(ctx context.Context, stateID string) (WorkflowState, error) {
	return s.scanState(ctx, `SELECT state_id, workflow_id, status, started_at, updated_at, completed_at, context, error, steps FROM workflow_states WHERE state_id=$1`, stateID)
}

func (s *PostgresStore) LoadWorkflowStateByWorkflowID(ctx context.Context, workflowID string) (WorkflowState, error) {
	return s.scanState(ctx, `SELECT state_id, workflow_id, status, started_at, updated_at, completed_at, context, error, steps FROM workflow_states WHERE workflow_id=$1 ORDER BY updated_at DESC LIMIT 1`, workflowID)
}

func (s *PostgresStore) ListActiveWorkflows(ctx context.Context) ([]WorkflowState, error) {
	rows, err := s.pool.Query(ctx, `SELECT state_id FROM workflow_states WHERE status IN ('pending','running','paused') ORDER BY updated_at DESC`)
	if err != nil {
		return nil, core.NewFrameworkError("PostgresStore.ListActiveWorkflows", core.KindStateStore, "", "query failed", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, core.NewFrameworkError("PostgresStore.ListActiveWorkflows", core.KindStateStore, "", "scan failed", err)
		}
		ids = append(ids, id)
	}
	out := make([]WorkflowState, 0, len(ids))
	for _, id := range ids {
		st, err := s.LoadWorkflowState(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *PostgresStore) CreateCheckpoint(ctx context.Context, cp Checkpoint, retention int) error {
	if cp.CheckpointID == "" {
		cp.CheckpointID = uuid.New().String()
	}
	stateJSON, err := json.Marshal(cp.State)
	if err != nil {
		return core.NewFrameworkError("PostgresStore.CreateCheckpoint", core.KindStateStore, cp.StateID, "encode failed", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO checkpoints (checkpoint_id, state_id, step_id, timestamp, state)
		VALUES ($1,$2,$3,$4,$5)`, cp.CheckpointID, cp.StateID, cp.StepID, cp.Timestamp, stateJSON)
	if err != nil {
		return core.NewFrameworkError("PostgresStore.CreateCheckpoint", core.KindStateStore, cp.StateID, "insert failed", err)
	}
	return s.CleanupOldCheckpoints(ctx, cp.StateID, retention)
}

func (s *PostgresStore) GetLatestCheckpoint(ctx context.Context, stateID string) (Checkpoint, bool, error) {
	row := s.pool.QueryRow(ctx, `SELECT checkpoint_id, state_id, step_id, timestamp, state FROM checkpoints WHERE state_id=$1 ORDER BY timestamp DESC LIMIT 1`, stateID)
	var cp Checkpoint
	var stateJSON []byte
	if err := row.Scan(&cp.CheckpointID, &cp.StateID, &cp.StepID, &cp.Timestamp, &stateJSON); err != nil {
		return Checkpoint{}, false, nil
	}
	_ = json.Unmarshal(stateJSON, &cp.State)
	return cp, true, nil
}

func (s *PostgresStore) RestoreFromCheckpoint(ctx context.Context, checkpointID string) (WorkflowState, error) {
	row := s.pool.QueryRow(ctx, `SELECT state FROM checkpoints WHERE checkpoint_id=$1`, checkpointID)
	var stateJSON []byte
	if err := row.Scan(&stateJSON); err != nil {
		return WorkflowState{}, core.NewFrameworkError("PostgresStore.RestoreFromCheckpoint", core.KindNotFound, checkpointID, "no such checkpoint", core.ErrNotFound)
	}
	var st WorkflowState
	if err := json.Unmarshal(stateJSON, &st); err != nil {
		return WorkflowState{}, core.NewFrameworkError("PostgresStore.RestoreFromCheckpoint", core.KindStateStore, checkpointID, "decode failed", err)
	}
	return st, nil
}

func (s *PostgresStore) DeleteOldStates(ctx context.Context, olderThan time.Time) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM workflow_states WHERE updated_at < $1 AND status IN ('completed','failed')`, olderThan)
	if err != nil {
		return core.NewFrameworkError("PostgresStore.DeleteOldStates", core.KindStateStore, "", "delete failed", err)
	}
	return nil
}

func (s *PostgresStore) CleanupOldCheckpoints(ctx context.Context, stateID string, keepCount int) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM checkpoints WHERE checkpoint_id IN (
			SELECT checkpoint_id FROM checkpoints WHERE state_id=$1
			ORDER BY timestamp DESC OFFSET $2
		)`, stateID, keepCount)
	if err != nil {
		return core.NewFrameworkError("PostgresStore.CleanupOldCheckpoints", core.KindStateStore, stateID, "prune failed", err)
	}
	return nil
}

func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return core.NewFrameworkError("PostgresStore.HealthCheck", core.KindStateStore, "", "ping failed", err)
	}
	return nil
}
