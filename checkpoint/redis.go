package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/validflow/config"
	"github.com/BaSui01/validflow/internal/metrics"
	"github.com/BaSui01/validflow/types"
)

const (
	redisKeyPrefix = "validflow:checkpoint:"
	redisIndexFmt  = "validflow:workflow:%s:checkpoints"
)

// RedisStore persists checkpoints in redis. The checkpoint body lives at
// one key, the per-workflow index in a sorted set scored by step number.
// Both are written in one MULTI/EXEC transaction; an index entry whose
// body is missing is surfaced as PartialCheckpoint, never silently
// skipped.
type RedisStore struct {
	client  *redis.Client
	logger  *zap.Logger
	metrics *metrics.Collector
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to redis and verifies the connection.
func NewRedisStore(cfg config.RedisConfig, logger *zap.Logger, collector *metrics.Collector) (*RedisStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{
		client:  client,
		logger:  logger.With(zap.String("component", "checkpoint_redis")),
		metrics: collector,
	}, nil
}

// NewRedisStoreWithClient wraps an existing client. Used by tests.
func NewRedisStoreWithClient(client *redis.Client, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client: client,
		logger: logger.With(zap.String("component", "checkpoint_redis")),
	}
}

// Close releases the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Save(ctx context.Context, cp *Checkpoint) error {
	start := time.Now()

	if cp.CanResumeFrom {
		top, err := s.client.ZRevRangeWithScores(ctx, s.indexKey(cp.WorkflowID), 0, 0).Result()
		if err != nil {
			return fmt.Errorf("read checkpoint index: %w", err)
		}
		if len(top) > 0 && int(top[0].Score) >= cp.StepNumber {
			latest, err := s.Latest(ctx, cp.WorkflowID)
			if err == nil && latest.StepNumber >= cp.StepNumber {
				return types.NewErrorf(types.ErrCorruptCheckpoint,
					"resumable step %d not above existing step %d for workflow %s",
					cp.StepNumber, latest.StepNumber, cp.WorkflowID)
			}
		}
	}

	raw, err := json.Marshal(cp)
	if err != nil {
		return types.NewError(types.ErrCorruptCheckpoint, "serialize checkpoint").WithCause(err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, redisKeyPrefix+cp.ID, raw, 0)
	pipe.ZAdd(ctx, s.indexKey(cp.WorkflowID), redis.Z{
		Score:  float64(cp.StepNumber),
		Member: cp.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		s.metrics.RecordCheckpointOp("redis", "save", "error", time.Since(start))
		return types.NewErrorf(types.ErrPartialCheckpoint,
			"checkpoint %s for workflow %s not committed atomically", cp.ID, cp.WorkflowID).WithCause(err)
	}

	s.metrics.RecordCheckpointOp("redis", "save", "success", time.Since(start))
	s.logger.Debug("checkpoint saved",
		zap.String("checkpoint_id", cp.ID),
		zap.String("workflow_id", cp.WorkflowID),
		zap.Int("step", cp.StepNumber),
		zap.Bool("resumable", cp.CanResumeFrom))
	return nil
}

func (s *RedisStore) Load(ctx context.Context, id string) (*Checkpoint, error) {
	start := time.Now()
	raw, err := s.client.Get(ctx, redisKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		s.metrics.RecordCheckpointOp("redis", "load", "not_found", time.Since(start))
		return nil, types.NewErrorf(types.ErrNotFound, "checkpoint %s not found", id)
	}
	if err != nil {
		s.metrics.RecordCheckpointOp("redis", "load", "error", time.Since(start))
		return nil, fmt.Errorf("read checkpoint %s: %w", id, err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		s.metrics.RecordCheckpointOp("redis", "load", "corrupt", time.Since(start))
		return nil, types.NewErrorf(types.ErrCorruptCheckpoint, "checkpoint %s is not decodable", id).WithCause(err)
	}
	if err := cp.Verify(); err != nil {
		s.metrics.RecordCheckpointOp("redis", "load", "corrupt", time.Since(start))
		return nil, err
	}

	s.metrics.RecordCheckpointOp("redis", "load", "success", time.Since(start))
	return &cp, nil
}

func (s *RedisStore) Latest(ctx context.Context, workflowID string) (*Checkpoint, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(workflowID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read checkpoint index: %w", err)
	}

	for _, id := range ids {
		cp, err := s.Load(ctx, id)
		if types.IsCode(err, types.ErrNotFound) {
			// Indexed but body missing: a torn write.
			return nil, types.NewErrorf(types.ErrPartialCheckpoint,
				"checkpoint %s indexed for workflow %s but body missing", id, workflowID)
		}
		if err != nil {
			return nil, err
		}
		if cp.CanResumeFrom {
			return cp, nil
		}
	}
	return nil, types.NewErrorf(types.ErrNotFound, "no resumable checkpoint for workflow %s", workflowID)
}

func (s *RedisStore) List(ctx context.Context, workflowID string) ([]*Checkpoint, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(workflowID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read checkpoint index: %w", err)
	}

	out := make([]*Checkpoint, 0, len(ids))
	for _, id := range ids {
		raw, err := s.client.Get(ctx, redisKeyPrefix+id).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, types.NewErrorf(types.ErrPartialCheckpoint,
				"checkpoint %s indexed for workflow %s but body missing", id, workflowID)
		}
		if err != nil {
			return nil, fmt.Errorf("read checkpoint %s: %w", id, err)
		}
		var cp Checkpoint
		if err := json.Unmarshal(raw, &cp); err != nil {
			return nil, types.NewErrorf(types.ErrCorruptCheckpoint, "checkpoint %s is not decodable", id).WithCause(err)
		}
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *RedisStore) Delete(ctx context.Context, workflowID, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, redisKeyPrefix+id)
	pipe.ZRem(ctx, s.indexKey(workflowID), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) DeleteForWorkflow(ctx context.Context, workflowID string) error {
	ids, err := s.client.ZRange(ctx, s.indexKey(workflowID), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("read checkpoint index: %w", err)
	}

	pipe := s.client.TxPipeline()
	for _, id := range ids {
		pipe.Del(ctx, redisKeyPrefix+id)
	}
	pipe.Del(ctx, s.indexKey(workflowID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete checkpoints for workflow %s: %w", workflowID, err)
	}
	return nil
}

func (s *RedisStore) indexKey(workflowID string) string {
	return fmt.Sprintf(redisIndexFmt, workflowID)
}
