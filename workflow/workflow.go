// Package workflow defines the immutable, in-memory workflow model. It
// performs no I/O: a Workflow is always constructed programmatically
// (parsing a definition from a YAML/JSON document belongs to the caller),
// then validated once before the DAG builder ever sees it.
package workflow

import (
	"fmt"

	"github.com/flowloom/engine/core"
)

// StepKind is the closed set of step kinds the core dispatches.
type StepKind string

const (
	KindLLM          StepKind = "llm"
	KindEmbed        StepKind = "embed"
	KindVectorSearch StepKind = "vector_search"
	KindTransform    StepKind = "transform"
)

func (k StepKind) valid() bool {
	switch k {
	case KindLLM, KindEmbed, KindVectorSearch, KindTransform:
		return true
	default:
		return false
	}
}

// BackoffStrategy is the retry delay shape. The retry package computes
// delays from these constants; workflow has no import dependency on retry
// — it only names the strategy, it does not compute with it.
type BackoffStrategy string

const (
	BackoffExponential BackoffStrategy = "exponential"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffFixed       BackoffStrategy = "fixed"
)

func (b BackoffStrategy) valid() bool {
	switch b {
	case BackoffExponential, BackoffLinear, BackoffFixed:
		return true
	default:
		return false
	}
}

// RetryPolicy controls how a failing step is retried.
type RetryPolicy struct {
	MaxAttempts       int
	Strategy          BackoffStrategy
	InitialDelayMs    int
	MaxDelayMs        int
	BackoffMultiplier float64
	Jitter            bool
}

// DefaultRetryPolicy is used for any step without an explicit policy and no
// workflow-level default.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		Strategy:          BackoffExponential,
		InitialDelayMs:    100,
		MaxDelayMs:        10_000,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

func (p RetryPolicy) validate(stepID string) error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("step %q: retry_policy.max_attempts must be >= 1", stepID)
	}
	if !p.Strategy.valid() {
		return fmt.Errorf("step %q: retry_policy.strategy %q is unknown", stepID, p.Strategy)
	}
	if p.InitialDelayMs < 0 || p.MaxDelayMs < 0 {
		return fmt.Errorf("step %q: retry_policy delays must be non-negative", stepID)
	}
	if p.MaxDelayMs > 0 && p.InitialDelayMs > p.MaxDelayMs {
		return fmt.Errorf("step %q: retry_policy.initial_delay_ms must be <= max_delay_ms", stepID)
	}
	if p.Strategy == BackoffExponential && p.BackoffMultiplier <= 1.0 {
		return fmt.Errorf("step %q: retry_policy.backoff_multiplier must be > 1.0 for exponential strategy", stepID)
	}
	return nil
}

// KnownTransforms is the closed, small set of pure deterministic functions
// the transform step kind may name. An unknown name is a configuration
// error caught at validate() time, never at dispatch time.
var KnownTransforms = map[string]bool{
	"merge":  true,
	"filter": true,
	"concat": true,
}

// Step is a single immutable node in the workflow graph.
type Step struct {
	ID           string
	Kind         StepKind
	Dependencies []string
	Condition    string // boolean expression; empty means unconditional
	Outputs      []string
	Config       StepConfig
	Timeout      int // seconds; 0 means "use workflow default"
	RetryPolicy  *RetryPolicy
}

// StepConfig is the union of the four per-kind configuration shapes.
// Exactly one of the kind-specific fields is populated, selected by the
// owning Step's Kind.
type StepConfig struct {
	LLM          *LLMConfig
	Embed        *EmbedConfig
	VectorSearch *VectorSearchConfig
	Transform    *TransformConfig
}

type LLMConfig struct {
	Provider       string
	Model          string
	PromptTemplate string
	SystemTemplate string
	Temperature    *float64
	MaxTokens      *int
	Streaming      bool // ignored by the core; carried for collaborator use
}

type EmbedConfig struct {
	Provider      string
	Model         string
	InputTemplate string
}

type VectorSearchConfig struct {
	Database        string
	Index           string
	Query           string // literal embedding reference or a template
	TopK            int
	Namespace       string
	Filter          map[string]interface{}
	IncludeMetadata bool
	IncludeVectors  bool
}

type TransformConfig struct {
	Function string
	Inputs   []string
}

// Workflow is the immutable, validated workflow definition.
type Workflow struct {
	ID                 string
	Version            string
	Description        string
	Steps              []Step
	TimeoutSeconds     int // 0 means "use the one-hour default"
	DefaultRetryPolicy *RetryPolicy

	byID map[string]*Step
}

// EffectiveTimeout returns the workflow-level timeout in seconds, applying
// the one-hour default when unset.
func (w *Workflow) EffectiveTimeout() int {
	if w.TimeoutSeconds > 0 {
		return w.TimeoutSeconds
	}
	return 3600
}

// EffectiveRetryPolicy resolves the policy a given step should run under:
// its own override, else the workflow default, else the package default.
func (w *Workflow) EffectiveRetryPolicy(stepID string) RetryPolicy {
	step := w.byID[stepID]
	if step != nil && step.RetryPolicy != nil {
		return *step.RetryPolicy
	}
	if w.DefaultRetryPolicy != nil {
		return *w.DefaultRetryPolicy
	}
	return DefaultRetryPolicy()
}

// Step looks up a step definition by id.
func (w *Workflow) Step(id string) (*Step, bool) {
	s, ok := w.byID[id]
	return s, ok
}

// StepIDs returns every step id in declaration order.
func (w *Workflow) StepIDs() []string {
	ids := make([]string, len(w.Steps))
	for i := range w.Steps {
		ids[i] = w.Steps[i].ID
	}
	return ids
}

// New constructs a Workflow from steps and validates it immediately —
// callers never observe an invalid Workflow value.
func New(id, version, description string, steps []Step, timeoutSeconds int, defaultRetry *RetryPolicy) (*Workflow, error) {
	w := &Workflow{
		ID:                 id,
		Version:            version,
		Description:        description,
		Steps:              steps,
		TimeoutSeconds:     timeoutSeconds,
		DefaultRetryPolicy: defaultRetry,
	}
	if err := w.validate(); err != nil {
		return nil, err
	}
	w.byID = make(map[string]*Step, len(steps))
	for i := range w.Steps {
		w.byID[w.Steps[i].ID] = &w.Steps[i]
	}
	return w, nil
}

// validate performs the structural checks: unique ids, non-empty outputs,
// known kinds, known transform functions, retry fields within bounds.
// Dependency reachability and cycle-freedom belong to the dag package —
// validation here never looks at another step's existence.
func (w *Workflow) validate() error {
	if w.ID == "" {
		return core.NewFrameworkError("Workflow.validate", core.KindValidation, "", "workflow id must not be empty", nil)
	}
	if len(w.Steps) == 0 {
		return core.NewFrameworkError("Workflow.validate", core.KindValidation, w.ID, "workflow must declare at least one step", nil)
	}

	seen := make(map[string]bool, len(w.Steps))
	for _, s := range w.Steps {
		if s.ID == "" {
			return core.NewFrameworkError("Workflow.validate", core.KindValidation, w.ID, "step id must not be empty", nil)
		}
		if seen[s.ID] {
			return core.NewFrameworkError("Workflow.validate", core.KindValidation, w.ID, fmt.Sprintf("duplicate step id %q", s.ID), nil)
		}
		seen[s.ID] = true

		if !s.Kind.valid() {
			return core.NewFrameworkError("Workflow.validate", core.KindValidation, s.ID, fmt.Sprintf("unknown step kind %q", s.Kind), nil)
		}
		if len(s.Outputs) == 0 {
			return core.NewFrameworkError("Workflow.validate", core.KindValidation, s.ID, "step must declare at least one output", nil)
		}
		if s.Kind == KindTransform {
			if s.Config.Transform == nil || !KnownTransforms[s.Config.Transform.Function] {
				return core.NewFrameworkError("Workflow.validate", core.KindValidation, s.ID, "unknown transform function", nil)
			}
		}
		if s.RetryPolicy != nil {
			if err := s.RetryPolicy.validate(s.ID); err != nil {
				return core.NewFrameworkError("Workflow.validate", core.KindValidation, s.ID, err.Error(), err)
			}
		}
	}
	if w.DefaultRetryPolicy != nil {
		if err := w.DefaultRetryPolicy.validate("<workflow-default>"); err != nil {
			return core.NewFrameworkError("Workflow.validate", core.KindValidation, w.ID, err.Error(), err)
		}
	}
	return nil
}
