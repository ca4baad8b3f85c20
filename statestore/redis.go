package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/flowloom/engine/core"
)

// RedisStore is the primary, production-default Store backend. Workflow
// states and checkpoints are stored as JSON strings under prefixed keys; a
// set of active state ids and a per-state sorted set of checkpoint ids
// serve as the secondary indices the listing and latest-checkpoint reads
// need.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	logger    core.Logger
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisOptions)

type redisOptions struct {
	keyPrefix string
	logger    core.Logger
}

func WithRedisKeyPrefix(prefix string) RedisOption {
	return func(o *redisOptions) { o.keyPrefix = prefix }
}

func WithRedisLogger(l core.Logger) RedisOption {
	return func(o *redisOptions) { o.logger = l }
}

// NewRedisStore wraps an already-constructed *redis.Client (production
// callers build this from core.Config.RedisURL via redis.ParseURL; tests
// build it from a miniredis address instead — see redis_test.go).
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	o := &redisOptions{keyPrefix: "engine:workflow", logger: core.NoOpLogger{}}
	for _, opt := range opts {
		opt(o)
	}
	return &RedisStore{client: client, keyPrefix: o.keyPrefix, logger: o.logger}
}

func (s *RedisStore) stateKey(stateID string) string {
	return fmt.Sprintf("%s:state:%s", s.keyPrefix, stateID)
}
func (s *RedisStore) byWorkflowKey(workflowID string) string {
	return fmt.Sprintf("%s:by-workflow:%s", s.keyPrefix, workflowID)
}
func (s *RedisStore) activeSetKey() string { return s.keyPrefix + ":active" }
func (s *RedisStore) allSetKey() string    { return s.keyPrefix + ":all" }
func (s *RedisStore) checkpointKey(id string) string {
	return fmt.Sprintf("%s:checkpoint:%s", s.keyPrefix, id)
}
func (s *RedisStore) checkpointIndexKey(stateID string) string {
	return fmt.Sprintf("%s:checkpoints:%s", s.keyPrefix, stateID)
}

// SaveWorkflowState implements the optimistic-concurrency upsert inside a
// client.Watch transaction: the write is abandoned with core.ErrConflict
// when the stored row has advanced past the UpdatedAt the caller last
// observed.
func (s *RedisStore) SaveWorkflowState(ctx context.Context, state WorkflowState, prevUpdatedAt time.Time) error {
	key := s.stateKey(state.StateID)

	txf := func(tx *redis.Tx) error {
		existingRaw, err := tx.Get(ctx, key).Result()
		if err != nil && err != redis.Nil {
			return core.NewFrameworkError("RedisStore.SaveWorkflowState", core.KindStateStore, state.StateID, "read failed", err)
		}
		if err != redis.Nil {
			var existing WorkflowState
			if err := json.Unmarshal([]byte(existingRaw), &existing); err != nil {
				return core.NewFrameworkError("RedisStore.SaveWorkflowState", core.KindStateStore, state.StateID, "decode failed", err)
			}
			if !prevUpdatedAt.IsZero() && existing.UpdatedAt.After(prevUpdatedAt) {
				return core.ErrConflict
			}
		}

		payload, err := json.Marshal(state)
		if err != nil {
			return core.NewFrameworkError("RedisStore.SaveWorkflowState", core.KindStateStore, state.StateID, "encode failed", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			pipe.Set(ctx, s.byWorkflowKey(state.WorkflowID), state.StateID, 0)
			pipe.SAdd(ctx, s.allSetKey(), state.StateID)
			if state.Status.IsActive() {
				pipe.SAdd(ctx, s.activeSetKey(), state.StateID)
			} else {
				pipe.SRem(ctx, s.activeSetKey(), state.StateID)
			}
			return nil
		})
		return err
	}

	if err := s.client.Watch(ctx, txf, key); err != nil {
		if err == core.ErrConflict {
			return err
		}
		return core.NewFrameworkError("RedisStore.SaveWorkflowState", core.KindStateStore, state.StateID, "transaction failed", err)
	}
	return nil
}

func (s *RedisStore) LoadWorkflowState(ctx context.Context, stateID string) (WorkflowState, error) {
	raw, err := s.client.Get(ctx, s.stateKey(stateID)).Result()
	if err == redis.Nil {
		return WorkflowState{}, core.NewFrameworkError("RedisStore.LoadWorkflowState", core.KindNotFound, stateID, "no such workflow state", core.ErrNotFound)
	}
	if err != nil {
		return WorkflowState{}, core.NewFrameworkError("RedisStore.LoadWorkflowState", core.KindStateStore, stateID, "read failed", err)
	}
	var state WorkflowState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return WorkflowState{}, core.NewFrameworkError("RedisStore.LoadWorkflowState", core.KindStateStore, stateID, "decode failed", err)
	}
	return state, nil
}

func (s *RedisStore) LoadWorkflowStateByWorkflowID(ctx context.Context, workflowID string) (WorkflowState, error) {
	stateID, err := s.client.Get(ctx, s.byWorkflowKey(workflowID)).Result()
	if err == redis.Nil {
		return WorkflowState{}, core.NewFrameworkError("RedisStore.LoadWorkflowStateByWorkflowID", core.KindNotFound, workflowID, "no such workflow", core.ErrNotFound)
	}
	if err != nil {
		return WorkflowState{}, core.NewFrameworkError("RedisStore.LoadWorkflowStateByWorkflowID", core.KindStateStore, workflowID, "read failed", err)
	}
	return s.LoadWorkflowState(ctx, stateID)
}

func (s *RedisStore) ListActiveWorkflows(ctx context.Context) ([]WorkflowState, error) {
	ids, err := s.client.SMembers(ctx, s.activeSetKey()).Result()
	if err != nil {
		return nil, core.NewFrameworkError("RedisStore.ListActiveWorkflows", core.KindStateStore, "", "read failed", err)
	}
	sort.Strings(ids)
	out := make([]WorkflowState, 0, len(ids))
	for _, id := range ids {
		st, err := s.LoadWorkflowState(ctx, id)
		if core.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// CreateCheckpoint appends cp (checkpoints are never mutated) and prunes
// the oldest entries for cp.StateID beyond retention.
func (s *RedisStore) CreateCheckpoint(ctx context.Context, cp Checkpoint, retention int) error {
	if cp.CheckpointID == "" {
		cp.CheckpointID = uuid.New().String()
	}
	payload, err := json.Marshal(cp)
	if err != nil {
		return core.NewFrameworkError("RedisStore.CreateCheckpoint", core.KindStateStore, cp.StateID, "encode failed", err)
	}

	score := float64(cp.Timestamp.UnixNano())
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.checkpointKey(cp.CheckpointID), payload, 0)
	pipe.ZAdd(ctx, s.checkpointIndexKey(cp.StateID), &redis.Z{Score: score, Member: cp.CheckpointID})
	if _, err := pipe.Exec(ctx); err != nil {
		return core.NewFrameworkError("RedisStore.CreateCheckpoint", core.KindStateStore, cp.StateID, "write failed", err)
	}

	return s.CleanupOldCheckpoints(ctx, cp.StateID, retention)
}

func (s *RedisStore) GetLatestCheckpoint(ctx context.Context, stateID string) (Checkpoint, bool, error) {
	ids, err := s.client.ZRevRange(ctx, s.checkpointIndexKey(stateID), 0, 0).Result()
	if err != nil {
		return Checkpoint{}, false, core.NewFrameworkError("RedisStore.GetLatestCheckpoint", core.KindStateStore, stateID, "read failed", err)
	}
	if len(ids) == 0 {
		return Checkpoint{}, false, nil
	}
	cp, err := s.loadCheckpoint(ctx, ids[0])
	if err != nil {
		return Checkpoint{}, false, err
	}
	return cp, true, nil
}

func (s *RedisStore) loadCheckpoint(ctx context.Context, checkpointID string) (Checkpoint, error) {
	raw, err := s.client.Get(ctx, s.checkpointKey(checkpointID)).Result()
	if err == redis.Nil {
		return Checkpoint{}, core.NewFrameworkError("RedisStore.loadCheckpoint", core.KindNotFound, checkpointID, "no such checkpoint", core.ErrNotFound)
	}
	if err != nil {
		return Checkpoint{}, core.NewFrameworkError("RedisStore.loadCheckpoint", core.KindStateStore, checkpointID, "read failed", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal([]byte(raw), &cp); err != nil {
		return Checkpoint{}, core.NewFrameworkError("RedisStore.loadCheckpoint", core.KindStateStore, checkpointID, "decode failed", err)
	}
	return cp, nil
}

func (s *RedisStore) RestoreFromCheckpoint(ctx context.Context, checkpointID string) (WorkflowState, error) {
	cp, err := s.loadCheckpoint(ctx, checkpointID)
	if err != nil {
		return WorkflowState{}, err
	}
	return cp.State, nil
}

// DeleteOldStates purges terminal (completed/failed) workflow states whose
// last update predates olderThan, mirroring the Postgres/SQLite backends'
// `status IN ('completed','failed') AND updated_at < $cutoff` semantics.
// Active workflows are never candidates for deletion regardless of age.
func (s *RedisStore) DeleteOldStates(ctx context.Context, olderThan time.Time) error {
	ids, err := s.client.SMembers(ctx, s.allSetKey()).Result()
	if err != nil {
		return core.NewFrameworkError("RedisStore.DeleteOldStates", core.KindStateStore, "", "read failed", err)
	}
	for _, id := range ids {
		st, err := s.LoadWorkflowState(ctx, id)
		if core.IsNotFound(err) {
			s.client.SRem(ctx, s.allSetKey(), id)
			continue
		}
		if err != nil {
			return err
		}
		if !st.Status.IsActive() && st.UpdatedAt.Before(olderThan) {
			s.client.Del(ctx, s.stateKey(st.StateID))
			s.client.SRem(ctx, s.activeSetKey(), st.StateID)
			s.client.SRem(ctx, s.allSetKey(), st.StateID)
		}
	}
	return nil
}

func (s *RedisStore) CleanupOldCheckpoints(ctx context.Context, stateID string, keepCount int) error {
	total, err := s.client.ZCard(ctx, s.checkpointIndexKey(stateID)).Result()
	if err != nil {
		return core.NewFrameworkError("RedisStore.CleanupOldCheckpoints", core.KindStateStore, stateID, "read failed", err)
	}
	excess := int(total) - keepCount
	if excess <= 0 {
		return nil
	}
	stale, err := s.client.ZRange(ctx, s.checkpointIndexKey(stateID), 0, int64(excess-1)).Result()
	if err != nil {
		return core.NewFrameworkError("RedisStore.CleanupOldCheckpoints", core.KindStateStore, stateID, "read failed", err)
	}
	pipe := s.client.TxPipeline()
	for _, id := range stale {
		pipe.Del(ctx, s.checkpointKey(id))
		pipe.ZRem(ctx, s.checkpointIndexKey(stateID), id)
	}
	_, err = pipe.Exec(ctx)
	if err != nil {
		return core.NewFrameworkError("RedisStore.CleanupOldCheckpoints", core.KindStateStore, stateID, "prune failed", err)
	}
	return nil
}

func (s *RedisStore) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return core.NewFrameworkError("RedisStore.HealthCheck", core.KindStateStore, "", "ping failed", err)
	}
	return nil
}
