// Package cache is a read-through cache of execution snapshots in front
// of the Postgres repository, adapted from the teacher's
// internal/storage/storage.go RedisStorage: same client construction and
// Get/Set/Delete shape, narrowed from a generic string store to a typed
// ExecutionCache keyed by execution id so getExecutionStatus polling does
// not round-trip Postgres on every call.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/flowforge/etlengine/internal/models"
)

// ExecutionCache is the read-through cache contract the Engine uses.
type ExecutionCache interface {
	Get(ctx context.Context, executionID string) (*models.WorkflowExecution, bool)
	Set(ctx context.Context, exec *models.WorkflowExecution) error
	Invalidate(ctx context.Context, executionID string) error
	Close() error
}

// RedisCache is the go-redis/redis/v8 backed ExecutionCache.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// New connects to Redis exactly as the teacher's NewRedisStorage does,
// pinging with a 5 second budget before returning.
func New(addr, password string, db int, ttl time.Duration, logger *zap.Logger) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	return &RedisCache{client: client, ttl: ttl, logger: logger.With(zap.String("component", "cache"))}, nil
}

func key(executionID string) string { return "execution:" + executionID }

func (c *RedisCache) Get(ctx context.Context, executionID string) (*models.WorkflowExecution, bool) {
	raw, err := c.client.Get(ctx, key(executionID)).Result()
	if err != nil {
		return nil, false
	}
	var exec models.WorkflowExecution
	if err := json.Unmarshal([]byte(raw), &exec); err != nil {
		c.logger.Warn("discarding unparseable cache entry", zap.String("executionId", executionID), zap.Error(err))
		return nil, false
	}
	return &exec, true
}

func (c *RedisCache) Set(ctx context.Context, exec *models.WorkflowExecution) error {
	body, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("marshal execution snapshot: %w", err)
	}
	if err := c.client.Set(ctx, key(exec.ID), body, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", exec.ID, err)
	}
	return nil
}

func (c *RedisCache) Invalidate(ctx context.Context, executionID string) error {
	if err := c.client.Del(ctx, key(executionID)).Err(); err != nil {
		return fmt.Errorf("cache invalidate %s: %w", executionID, err)
	}
	return nil
}

func (c *RedisCache) Close() error { return c.client.Close() }

// NopCache disables caching; every Get misses, Set/Invalidate are no-ops.
type NopCache struct{}

func (NopCache) Get(context.Context, string) (*models.WorkflowExecution, bool) { return nil, false }
func (NopCache) Set(context.Context, *models.WorkflowExecution) error          { return nil }
func (NopCache) Invalidate(context.Context, string) error                     { return nil }
func (NopCache) Close() error                                                 { return nil }
