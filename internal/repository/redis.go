package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"enlist/internal/config"
	"enlist/internal/models"

	"github.com/redis/go-redis/v9"
)

const currentRunKey = "run_snapshot:current"

// RedisSnapshotStore keeps live run snapshots in redis so progress sinks
// in other processes can read them without touching the coordinator.
type RedisSnapshotStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClient creates a redis client from config.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

// Ping verifies connectivity.
func Ping(ctx context.Context, client *redis.Client) error {
	if client == nil {
		return fmt.Errorf("redis client is nil")
	}
	return client.Ping(ctx).Err()
}

func NewRedisSnapshotStore(client *redis.Client, ttl time.Duration) *RedisSnapshotStore {
	return &RedisSnapshotStore{
		client: client,
		ttl:    ttl,
	}
}

func (r *RedisSnapshotStore) SaveSnapshot(ctx context.Context, snap *models.RunSnapshot) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, snapshotKey(snap.RunID), data, r.ttl)
	pipe.Set(ctx, currentRunKey, snap.RunID, r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to set snapshot in redis: %w", err)
	}
	return nil
}

func (r *RedisSnapshotStore) LoadSnapshot(ctx context.Context, runID string) (*models.RunSnapshot, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	val, err := r.client.Get(ctx, snapshotKey(runID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot from redis: %w", err)
	}

	var snap models.RunSnapshot
	if err := json.Unmarshal([]byte(val), &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

func (r *RedisSnapshotStore) LoadCurrent(ctx context.Context) (*models.RunSnapshot, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	runID, err := r.client.Get(ctx, currentRunKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get current run id: %w", err)
	}
	return r.LoadSnapshot(ctx, runID)
}

func (r *RedisSnapshotStore) ClearSnapshot(ctx context.Context, runID string) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := r.client.Del(ctx, snapshotKey(runID)).Err(); err != nil {
		return fmt.Errorf("failed to delete snapshot from redis: %w", err)
	}
	return nil
}

func snapshotKey(runID string) string {
	return fmt.Sprintf("run_snapshot:%s", runID)
}
