// Package statestore defines the durable state contract the runner and the
// recovery controller depend on, its model types, and three backends:
// Redis (the primary, production-default backend), a relational
// (Postgres/pgx) backend, and an embedded (sqlite) backend — selected via
// core.Config.StateStore.
package statestore

import (
	"context"
	"time"

	"github.com/flowloom/engine/execctx"
)

// WorkflowStatus is the durable workflow-state lifecycle.
type WorkflowStatus string

const (
	WorkflowPending   WorkflowStatus = "pending"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowPaused    WorkflowStatus = "paused"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
)

// IsActive reports whether status belongs to list_active_workflows's
// result set: {pending, running, paused}.
func (s WorkflowStatus) IsActive() bool {
	return s == WorkflowPending || s == WorkflowRunning || s == WorkflowPaused
}

// StepStateRow is one durable per-step row, keyed by (state_id, step_id).
type StepStateRow struct {
	StepID     string                 `json:"step_id"`
	Status     execctx.StepStatus     `json:"status"`
	StartTime  *time.Time             `json:"start_time,omitempty"`
	EndTime    *time.Time             `json:"end_time,omitempty"`
	Outputs    map[string]interface{} `json:"outputs,omitempty"`
	ErrorKind  string                 `json:"error_kind,omitempty"`
	ErrorMsg   string                 `json:"error_msg,omitempty"`
	RetryCount int                    `json:"retry_count"`
}

// WorkflowState is the durable workflow_states row.
type WorkflowState struct {
	StateID     string                  `json:"state_id"`
	WorkflowID  string                  `json:"workflow_id"`
	Status      WorkflowStatus          `json:"status"`
	StartedAt   time.Time               `json:"started_at"`
	UpdatedAt   time.Time               `json:"updated_at"`
	CompletedAt *time.Time              `json:"completed_at,omitempty"`
	Context     execctx.Snapshot        `json:"context"`
	Error       string                  `json:"error,omitempty"`
	Steps       map[string]StepStateRow `json:"steps"`
}

// Checkpoint is the append-only durable snapshot of a workflow state (and
// its step rows) taken at a step boundary.
type Checkpoint struct {
	CheckpointID string        `json:"checkpoint_id"`
	StateID      string        `json:"state_id"`
	StepID       string        `json:"step_id"`
	Timestamp    time.Time     `json:"timestamp"`
	State        WorkflowState `json:"state"`
}

// Store is the durable interface the runner and recovery controller use.
// Every operation is atomic with respect to its own row-set.
type Store interface {
	// SaveWorkflowState upserts state by StateID. Implementations enforce
	// optimistic concurrency: the write is rejected with core.ErrConflict
	// if the stored row's UpdatedAt is newer than prevUpdatedAt (the value
	// the caller last observed). A zero prevUpdatedAt means "create or
	// unconditionally overwrite" and is only valid for a brand new
	// state_id.
	SaveWorkflowState(ctx context.Context, state WorkflowState, prevUpdatedAt time.Time) error

	LoadWorkflowState(ctx context.Context, stateID string) (WorkflowState, error)
	LoadWorkflowStateByWorkflowID(ctx context.Context, workflowID string) (WorkflowState, error)
	ListActiveWorkflows(ctx context.Context) ([]WorkflowState, error)

	// CreateCheckpoint appends cp and prunes the oldest checkpoints for
	// cp.StateID beyond retention.
	CreateCheckpoint(ctx context.Context, cp Checkpoint, retention int) error
	GetLatestCheckpoint(ctx context.Context, stateID string) (Checkpoint, bool, error)
	RestoreFromCheckpoint(ctx context.Context, checkpointID string) (WorkflowState, error)

	DeleteOldStates(ctx context.Context, olderThan time.Time) error
	CleanupOldCheckpoints(ctx context.Context, stateID string, keepCount int) error

	HealthCheck(ctx context.Context) error
}
