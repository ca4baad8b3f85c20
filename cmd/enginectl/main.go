// Command enginectl is the minimal process wiring around the orchestration
// engine: build a Config, construct the configured state store backend,
// run the recovery controller over whatever workflows were left
// non-terminal by a prior crash, then drive one workflow execution.
// Everything past config and state-store construction (definition loading,
// an HTTP/gRPC front end, auth) belongs to the surface embedding this
// engine, not here.
package main

import (
	"context"
	"log"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/flowloom/engine/capability"
	"github.com/flowloom/engine/capability/providers/anthropicllm"
	"github.com/flowloom/engine/capability/providers/mockllm"
	"github.com/flowloom/engine/core"
	"github.com/flowloom/engine/engine"
	"github.com/flowloom/engine/recovery"
	"github.com/flowloom/engine/statestore"
	"github.com/flowloom/engine/workflow"

	"go.opentelemetry.io/otel"
)

func main() {
	cfg, err := core.NewConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger := core.NewProductionLogger(os.Stdout, cfg.LogLevel, cfg.ServiceName)

	// A bare sdktrace.TracerProvider with no exporter registered: spans
	// created by engine/tracing.go are sampled and built, just never
	// shipped anywhere. This is the minimal amount of SDK wiring that
	// makes adding a real exporter (OTLP, stdout) an operator-side change
	// rather than a code change.
	tp := sdktrace.NewTracerProvider()
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.Warn("tracer provider shutdown failed", map[string]interface{}{"error": err.Error()})
		}
	}()
	otel.SetTracerProvider(tp)

	store, err := buildStore(cfg, logger)
	if err != nil {
		log.Fatalf("state store: %v", err)
	}
	defer func() {
		if err := store.HealthCheck(context.Background()); err != nil {
			logger.Warn("state store unhealthy at shutdown", map[string]interface{}{"error": err.Error()})
		}
	}()

	registry := buildRegistry()

	wf := sampleWorkflow()
	lookup := func(workflowID string) (*workflow.Workflow, bool) {
		if workflowID == wf.ID {
			return wf, true
		}
		return nil, false
	}

	opts := engine.Options{
		MaxConcurrency:      cfg.MaxConcurrency,
		WorkflowTimeout:     cfg.WorkflowTimeout,
		CheckpointRetention: cfg.CheckpointRetention,
		Store:               store,
		Registry:            registry,
		Logger:              logger,
	}

	ctx := context.Background()

	outcomes, err := recovery.Recover(ctx, store, lookup, opts)
	if err != nil {
		logger.Error("recovery failed", map[string]interface{}{"error": err.Error()})
	}
	for _, o := range outcomes {
		logger.Info("resumed workflow", map[string]interface{}{"state_id": o.StateID, "workflow_id": o.WorkflowID, "status": string(o.Result.Status)})
	}

	result, err := engine.Execute(ctx, wf, map[string]interface{}{"topic": "orchestration engines"}, opts)
	if err != nil {
		logger.Error("execution failed", map[string]interface{}{"state_id": result.StateID, "error": err.Error()})
		os.Exit(1)
	}
	logger.Info("execution completed", map[string]interface{}{"state_id": result.StateID, "status": string(result.Status)})
}

func buildStore(cfg *core.Config, logger core.Logger) (statestore.Store, error) {
	switch cfg.StateStore {
	case core.BackendRedis:
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, core.NewFrameworkError("main.buildStore", core.KindValidation, "", "bad redis url", err)
		}
		return statestore.NewRedisStore(redis.NewClient(redisOpts), statestore.WithRedisLogger(logger)), nil
	case core.BackendRelational:
		pool, err := pgxpool.New(context.Background(), cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		return statestore.NewPostgresStore(pool), nil
	case core.BackendEmbedded:
		return statestore.OpenSQLiteStore(cfg.SQLitePath)
	default:
		return nil, core.NewFrameworkError("main.buildStore", core.KindValidation, "", "unknown state_store backend", core.ErrInvalidConfig)
	}
}

// buildRegistry wires every capability this process can reach: a real
// Anthropic client when ENGINE_ANTHROPIC_API_KEY is set, and a mock
// provider under the "mock" name otherwise/always (useful for smoke-testing
// a deployment without spending real provider budget).
func buildRegistry() *capability.Registry {
	reg := capability.NewRegistry()
	reg.MustRegister("mock", capability.Handle{LLM: mockllm.NewClient()})
	if key := os.Getenv("ENGINE_ANTHROPIC_API_KEY"); key != "" {
		reg.MustRegister("anthropic", capability.Handle{LLM: anthropicllm.NewClient(key)})
	}
	return reg
}

// sampleWorkflow is a minimal two-step pipeline exercising the llm and
// transform step kinds, enough to prove the wiring above actually runs.
func sampleWorkflow() *workflow.Workflow {
	steps := []workflow.Step{
		{
			ID:      "summarize",
			Kind:    workflow.KindLLM,
			Outputs: []string{"text", "model", "tokens"},
			Config: workflow.StepConfig{
				LLM: &workflow.LLMConfig{
					Provider:       "mock",
					Model:          "mock-large",
					PromptTemplate: "Summarize the state of {{inputs.topic}}.",
				},
			},
		},
		{
			ID:           "wrap",
			Kind:         workflow.KindTransform,
			Dependencies: []string{"summarize"},
			Outputs:      []string{"result"},
			Config: workflow.StepConfig{
				Transform: &workflow.TransformConfig{
					Function: "merge",
					Inputs:   []string{"summary=steps.summarize"},
				},
			},
		},
	}
	wf, err := workflow.New("sample-summary", "v1", "demo pipeline", steps, 0, nil)
	if err != nil {
		log.Fatalf("sample workflow: %v", err)
	}
	return wf
}
