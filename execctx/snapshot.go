package execctx

import (
	"time"

	"github.com/flowloom/engine/core"
)

// Snapshot is the serializable form of a Context, used for checkpointing.
// Every field is a plain value (no mutexes, no pointers into the live
// Context) so it marshals cleanly via encoding/json in the statestore
// package.
type Snapshot struct {
	ExecutionID string                            `json:"execution_id"`
	WorkflowID  string                            `json:"workflow_id"`
	Inputs      map[string]interface{}            `json:"inputs"`
	Outputs     map[string]map[string]interface{} `json:"outputs"`
	Results     map[string]SnapshotStepResult     `json:"results"`
}

// SnapshotStepResult is StepResult with the error flattened into
// ErrorKind/ErrorMsg strings, so it round-trips through JSON.
type SnapshotStepResult struct {
	Status     StepStatus             `json:"status"`
	StartTime  *time.Time             `json:"start_time,omitempty"`
	EndTime    *time.Time             `json:"end_time,omitempty"`
	Outputs    map[string]interface{} `json:"outputs,omitempty"`
	ErrorKind  string                 `json:"error_kind,omitempty"`
	ErrorMsg   string                 `json:"error_msg,omitempty"`
	RetryCount int                    `json:"retry_count"`
}

// Snapshot produces a serializable point-in-time copy of the context.
func (c *Context) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	outputs := make(map[string]map[string]interface{}, len(c.outputs))
	for k, v := range c.outputs {
		cp := make(map[string]interface{}, len(v))
		for kk, vv := range v {
			cp[kk] = vv
		}
		outputs[k] = cp
	}

	results := make(map[string]SnapshotStepResult, len(c.results))
	for k, v := range c.results {
		sr := SnapshotStepResult{
			Status:     v.Status,
			StartTime:  v.StartTime,
			EndTime:    v.EndTime,
			Outputs:    v.Outputs,
			RetryCount: v.RetryCount,
		}
		if v.Error != nil {
			sr.ErrorKind = string(v.Error.Kind)
			sr.ErrorMsg = v.Error.Error()
		}
		results[k] = sr
	}

	inputs := make(map[string]interface{}, len(c.Inputs))
	for k, v := range c.Inputs {
		inputs[k] = v
	}

	return Snapshot{
		ExecutionID: c.ExecutionID,
		WorkflowID:  c.WorkflowID,
		Inputs:      inputs,
		Outputs:     outputs,
		Results:     results,
	}
}

// Restore replaces this context's contents with snap, for use only by the
// recovery controller prior to re-entering the scheduler loop.
func (c *Context) Restore(snap Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ExecutionID = snap.ExecutionID
	c.WorkflowID = snap.WorkflowID

	c.Inputs = make(map[string]interface{}, len(snap.Inputs))
	for k, v := range snap.Inputs {
		c.Inputs[k] = v
	}

	c.outputs = make(map[string]map[string]interface{}, len(snap.Outputs))
	for k, v := range snap.Outputs {
		cp := make(map[string]interface{}, len(v))
		for kk, vv := range v {
			cp[kk] = vv
		}
		c.outputs[k] = cp
	}

	c.results = make(map[string]*StepResult, len(snap.Results))
	for k, v := range snap.Results {
		sr := &StepResult{
			Status:     v.Status,
			StartTime:  v.StartTime,
			EndTime:    v.EndTime,
			Outputs:    v.Outputs,
			RetryCount: v.RetryCount,
		}
		if v.ErrorKind != "" {
			sr.Error = core.NewFrameworkError("restored", core.ErrorKind(v.ErrorKind), k, v.ErrorMsg, nil)
		}
		c.results[k] = sr
	}
}
