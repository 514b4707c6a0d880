package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	projectKeyPrefix = "agora:project:"
	cooldownsKey     = "agora:cooldowns"
)

// SnapshotStore persists orchestrator state to Redis as plain JSON values.
// Snapshots are best-effort: callers log failures and keep going.
type SnapshotStore struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewSnapshotStore connects to Redis and verifies the connection.
func NewSnapshotStore(redisURL string, logger *zap.Logger) (*SnapshotStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &SnapshotStore{rdb: rdb, logger: logger}, nil
}

// SaveProject writes the project's full stage/artifact/retry state.
func (s *SnapshotStore) SaveProject(ctx context.Context, p *Project) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, projectKeyPrefix+p.ID, data, 0).Err(); err != nil {
		return fmt.Errorf("save project %s: %w", p.ID, err)
	}
	return nil
}

// LoadProjects scans and decodes every snapshotted project.
func (s *SnapshotStore) LoadProjects(ctx context.Context) ([]*Project, error) {
	keys, err := s.rdb.Keys(ctx, projectKeyPrefix+"*").Result()
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	var projects []*Project
	for _, key := range keys {
		data, err := s.rdb.Get(ctx, key).Bytes()
		if err != nil {
			s.logger.Warn("project snapshot read failed", zap.String("key", key), zap.Error(err))
			continue
		}
		var p Project
		if err := json.Unmarshal(data, &p); err != nil {
			s.logger.Warn("project snapshot corrupt", zap.String("key", key), zap.Error(err))
			continue
		}
		projects = append(projects, &p)
	}
	return projects, nil
}

// SaveCooldowns writes the full cooldown set in one value.
func (s *SnapshotStore) SaveCooldowns(ctx context.Context, cds []*Cooldown) error {
	data, err := json.Marshal(cds)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, cooldownsKey, data, 0).Err(); err != nil {
		return fmt.Errorf("save cooldowns: %w", err)
	}
	return nil
}

// LoadCooldowns restores the cooldown set saved by SaveCooldowns.
func (s *SnapshotStore) LoadCooldowns(ctx context.Context) ([]*Cooldown, error) {
	data, err := s.rdb.Get(ctx, cooldownsKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load cooldowns: %w", err)
	}
	var cds []*Cooldown
	if err := json.Unmarshal(data, &cds); err != nil {
		return nil, fmt.Errorf("decode cooldowns: %w", err)
	}
	return cds, nil
}

// Close shuts the Redis connection.
func (s *SnapshotStore) Close() error {
	return s.rdb.Close()
}
