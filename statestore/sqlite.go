package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/flowloom/engine/core"
)

// SQLiteStore is the embedded Store backend selected by
// core.Config.StateStore == BackendEmbedded: a single-file, no-cgo durable
// store for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// sqliteTimeLayout is a fixed-width UTC layout so the TEXT time columns
// sort lexicographically in chronological order (RFC3339Nano trims
// trailing zeros, which breaks ORDER BY and range comparisons on same-
// second values).
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func fmtTime(t time.Time) string { return t.UTC().Format(sqliteTimeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(sqliteTimeLayout, s)
	return t
}

// OpenSQLiteStore opens (creating if absent) the sqlite file at path and
// ensures the schema exists.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, core.NewFrameworkError("OpenSQLiteStore", core.KindStateStore, "", "open failed", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS workflow_states (
			state_id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			completed_at TEXT,
			context TEXT NOT NULL,
			error TEXT,
			steps TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_workflow_states_workflow_id ON workflow_states(workflow_id);
		CREATE INDEX IF NOT EXISTS idx_workflow_states_status ON workflow_states(status);
		CREATE TABLE IF NOT EXISTS checkpoints (
			checkpoint_id TEXT PRIMARY KEY,
			state_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			state TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_checkpoints_state_ts ON checkpoints(state_id, timestamp DESC);
	`)
	if err != nil {
		return core.NewFrameworkError("SQLiteStore.migrate", core.KindStateStore, "", "migration failed", err)
	}
	return nil
}

func (s *SQLiteStore) SaveWorkflowState(ctx context.Context, state WorkflowState, prevUpdatedAt time.Time) error {
	contextJSON, _ := json.Marshal(state.Context)
	stepsJSON, _ := json.Marshal(state.Steps)

	var completedAt interface{}
	if state.CompletedAt != nil {
		completedAt = fmtTime(*state.CompletedAt)
	}

	if prevUpdatedAt.IsZero() {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO workflow_states (state_id, workflow_id, status, started_at, updated_at, completed_at, context, error, steps)
			VALUES (?,?,?,?,?,?,?,?,?)
			ON CONFLICT(state_id) DO UPDATE SET
				status=excluded.status, updated_at=excluded.updated_at, completed_at=excluded.completed_at,
				context=excluded.context, error=excluded.error, steps=excluded.steps`,
			state.StateID, state.WorkflowID, state.Status, fmtTime(state.StartedAt),
			fmtTime(state.UpdatedAt), completedAt, string(contextJSON), state.Error, string(stepsJSON))
		if err != nil {
			return core.NewFrameworkError("SQLiteStore.SaveWorkflowState", core.KindStateStore, state.StateID, "insert failed", err)
		}
		return nil
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_states SET status=?, updated_at=?, completed_at=?, context=?, error=?, steps=?
		WHERE state_id=? AND updated_at=?`,
		state.Status, fmtTime(state.UpdatedAt), completedAt, string(contextJSON), state.Error, string(stepsJSON),
		state.StateID, fmtTime(prevUpdatedAt))
	if err != nil {
		return core.NewFrameworkError("SQLiteStore.SaveWorkflowState", core.KindStateStore, state.StateID, "update failed", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return core.ErrConflict
	}
	return nil
}

func (s *SQLiteStore) scanRow(row *sql.Row) (WorkflowState, error) {
	var st WorkflowState
	var startedAt, updatedAt string
	var completedAt, errStr sql.NullString
	var contextJSON, stepsJSON string
	if err := row.Scan(&st.StateID, &st.WorkflowID, &st.Status, &startedAt, &updatedAt, &completedAt, &contextJSON, &errStr, &stepsJSON); err != nil {
		return WorkflowState{}, core.NewFrameworkError("SQLiteStore.scanRow", core.KindNotFound, "", "no such workflow state", core.ErrNotFound)
	}
	st.StartedAt = parseTime(startedAt)
	st.UpdatedAt = parseTime(updatedAt)
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		st.CompletedAt = &t
	}
	if errStr.Valid {
		st.Error = errStr.String
	}
	_ = json.Unmarshal([]byte(contextJSON), &st.Context)
	_ = json.Unmarshal([]byte(stepsJSON), &st.Steps)
	return st, nil
}

func (s *SQLiteStore) LoadWorkflowState(ctx context.Context, stateID string) (WorkflowState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT state_id, workflow_id, status, started_at, updated_at, completed_at, context, error, steps FROM workflow_states WHERE state_id=?`, stateID)
	return s.scanRow(row)
}

func (s *SQLiteStore) LoadWorkflowStateByWorkflowID(ctx context.Context, workflowID string) (WorkflowState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT state_id, workflow_id, status, started_at, updated_at, completed_at, context, error, steps FROM workflow_states WHERE workflow_id=? ORDER BY updated_at DESC LIMIT 1`, workflowID)
	return s.scanRow(row)
}

func (s *SQLiteStore) ListActiveWorkflows(ctx context.Context) ([]WorkflowState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state_id FROM workflow_states WHERE status IN ('pending','running','paused') ORDER BY updated_at DESC`)
	if err != nil {
		return nil, core.NewFrameworkError("SQLiteStore.ListActiveWorkflows", core.KindStateStore, "", "query failed", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, core.NewFrameworkError("SQLiteStore.ListActiveWorkflows", core.KindStateStore, "", "scan failed", err)
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

func (s *SQLiteStore) CreateCheckpoint(ctx context.Context, cp Checkpoint, retention int) error {
	if cp.CheckpointID == "" {
		cp.CheckpointID = uuid.New().String()
	}
	stateJSON, _ := json.Marshal(cp.State)
	_, err := s.db.ExecContext(ctx, `INSERT INTO checkpoints (checkpoint_id, state_id, step_id, timestamp, state) VALUES (?,?,?,?,?)`,
		cp.CheckpointID, cp.StateID, cp.StepID, fmtTime(cp.Timestamp), string(stateJSON))
	if err != nil {
		return core.NewFrameworkError("SQLiteStore.CreateCheckpoint", core.KindStateStore, cp.StateID, "insert failed", err)
	}
	return s.CleanupOldCheckpoints(ctx, cp.StateID, retention)
}

func (s *SQLiteStore) GetLatestCheckpoint(ctx context.Context, stateID string) (Checkpoint, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT checkpoint_id, state_id, step_id, timestamp, state FROM checkpoints WHERE state_id=? ORDER BY timestamp DESC LIMIT 1`, stateID)
	var cp Checkpoint
	var ts, stateJSON string
	if err := row.Scan(&cp.CheckpointID, &cp.StateID, &cp.StepID, &ts, &stateJSON); err != nil {
		return Checkpoint{}, false, nil
	}
	cp.Timestamp = parseTime(ts)
	_ = json.Unmarshal([]byte(stateJSON), &cp.State)
	return cp, true, nil
}

func (s *SQLiteStore) RestoreFromCheckpoint(ctx context.Context, checkpointID string) (WorkflowState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT state FROM checkpoints WHERE checkpoint_id=?`, checkpointID)
	var stateJSON string
	if err := row.Scan(&stateJSON); err != nil {
		return WorkflowState{}, core.NewFrameworkError("SQLiteStore.RestoreFromCheckpoint", core.KindNotFound, checkpointID, "no such checkpoint", core.ErrNotFound)
	}
	var st WorkflowState
	_ = json.Unmarshal([]byte(stateJSON), &st)
	return st, nil
}

func (s *SQLiteStore) DeleteOldStates(ctx context.Context, olderThan time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM workflow_states WHERE updated_at < ? AND status IN ('completed','failed')`, fmtTime(olderThan))
	if err != nil {
		return core.NewFrameworkError("SQLiteStore.DeleteOldStates", core.KindStateStore, "", "delete failed", err)
	}
	return nil
}

func (s *SQLiteStore) CleanupOldCheckpoints(ctx context.Context, stateID string, keepCount int) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints WHERE checkpoint_id IN (
			SELECT checkpoint_id FROM checkpoints WHERE state_id=?
			ORDER BY timestamp DESC LIMIT -1 OFFSET ?
		)`, stateID, keepCount)
	if err != nil {
		return core.NewFrameworkError("SQLiteStore.CleanupOldCheckpoints", core.KindStateStore, stateID, "prune failed", err)
	}
	return nil
}

func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return core.NewFrameworkError("SQLiteStore.HealthCheck", core.KindStateStore, "", "ping failed", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
