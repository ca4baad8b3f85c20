// Package capability defines the external capability contracts the engine
// dispatches step execution to — LLM completion, embedding generation, and
// vector similarity search — plus a small name -> handle registry. Dispatch
// is over a closed set of interfaces registered up front; there is no
// reflective lookup.
package capability

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// LLMRequest is the contract input for an LLM provider capability.
type LLMRequest struct {
	Model          string
	Prompt         string
	System         string
	Temperature    *float64
	MaxTokens      *int
	IdempotencyKey string // always supplied by the core; adapters may ignore it
}

// LLMResponse is the contract output for an LLM provider capability.
type LLMResponse struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
	RawMetadata  map[string]interface{}
}

// LLMProvider is the capability contract for text completion.
type LLMProvider interface {
	Complete(ctx context.Context, req LLMRequest) (LLMResponse, error)
}

// EmbedRequest is the contract input for an embedding provider capability.
type EmbedRequest struct {
	Model          string
	Input          []string // one or more inputs; providers may batch
	IdempotencyKey string
}

// EmbedResponse is the contract output for an embedding provider
// capability.
type EmbedResponse struct {
	Vectors    [][]float64
	Model      string
	TokenUsage int
}

// EmbeddingProvider is the capability contract for embedding generation.
type EmbeddingProvider interface {
	Embed(ctx context.Context, req EmbedRequest) (EmbedResponse, error)
}

// VectorSearchRequest is the contract input for a vector store search.
type VectorSearchRequest struct {
	Index           string
	QueryVector     []float64
	TopK            int
	Namespace       string
	Filter          map[string]interface{}
	IncludeMetadata bool
	IncludeVectors  bool
}

// VectorHit is one ranked search result.
type VectorHit struct {
	ID       string
	Score    float64
	Metadata map[string]interface{}
	Vector   []float64
}

// VectorStore is the capability contract for similarity search. The core
// only consumes Search; a broader system may also expose upsert/delete, but
// those are not part of this contract.
type VectorStore interface {
	Search(ctx context.Context, req VectorSearchRequest) ([]VectorHit, error)
}

// Handle is the union of capabilities a single registered name may provide.
// A registered name typically implements exactly one of these, but nothing
// prevents a provider (e.g. a single SDK client) from implementing more
// than one.
type Handle struct {
	LLM       LLMProvider
	Embedding EmbeddingProvider
	Vector    VectorStore
}

// Registry maps a capability name (the workflow step's provider-name /
// database-name) to its Handle. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]Handle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]Handle)}
}

// Register adds name -> handle. Returns an error if name is already
// registered or empty.
func (r *Registry) Register(name string, h Handle) error {
	if name == "" {
		return fmt.Errorf("capability.Register: name must not be empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handles[name]; exists {
		return fmt.Errorf("capability.Register: %q already registered", name)
	}
	r.handles[name] = h
	return nil
}

// MustRegister registers a handle and panics on error; for use in package
// init() functions where the error truly cannot be handled.
func (r *Registry) MustRegister(name string, h Handle) {
	if err := r.Register(name, h); err != nil {
		panic(err)
	}
}

// Get retrieves the handle registered under name.
func (r *Registry) Get(name string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[name]
	return h, ok
}

// Names returns every registered capability name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handles))
	for n := range r.handles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
