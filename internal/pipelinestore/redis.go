package pipelinestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/mentatlab/services/pipeline-go/pkg/types"
)

const (
	pipelineKeyPrefix = "pipeline:"
	pipelineListKey   = "pipelines"
)

// RedisStore implements Store using Redis: one JSON document per key plus a
// set of known ids.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the Redis server at url and verifies it.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// NewRedisStoreWithClient creates a store using an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) pipelineKey(id string) string {
	return pipelineKeyPrefix + id
}

// Create saves a new pipeline.
func (s *RedisStore) Create(ctx context.Context, p *types.Pipeline) (*types.Pipeline, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}

	stored, err := clone(p)
	if err != nil {
		return nil, err
	}
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	stored.Version = 1
	stored.CreatedAt = now
	stored.UpdatedAt = now

	data, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("marshal pipeline: %w", err)
	}

	created, err := s.client.SetNX(ctx, s.pipelineKey(stored.ID), data, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("save pipeline: %w", err)
	}
	if !created {
		return nil, ErrPipelineExists
	}
	if err := s.client.SAdd(ctx, pipelineListKey, stored.ID).Err(); err != nil {
		return nil, fmt.Errorf("index pipeline: %w", err)
	}

	return stored, nil
}

// Get retrieves a pipeline by ID.
func (s *RedisStore) Get(ctx context.Context, id string) (*types.Pipeline, error) {
	return s.get(ctx, s.client, id)
}

// getter is satisfied by both *redis.Client and *redis.Tx.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) get(ctx context.Context, c getter, id string) (*types.Pipeline, error) {
	data, err := c.Get(ctx, s.pipelineKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrPipelineNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline: %w", err)
	}

	var p types.Pipeline
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("unmarshal pipeline: %w", err)
	}
	return &p, nil
}

// Update replaces an existing pipeline. The version check and write run in a
// WATCH transaction so concurrent writers cannot both succeed.
func (s *RedisStore) Update(ctx context.Context, p *types.Pipeline) (*types.Pipeline, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}

	next, err := clone(p)
	if err != nil {
		return nil, err
	}
	key := s.pipelineKey(p.ID)

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.get(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		if current.Version != p.Version {
			return ErrVersionConflict
		}

		next.Version = current.Version + 1
		next.CreatedAt = current.CreatedAt
		next.UpdatedAt = time.Now().UTC()

		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal pipeline: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return nil, ErrVersionConflict
	}
	if err != nil {
		return nil, err
	}
	return next, nil
}

// Delete removes a pipeline.
func (s *RedisStore) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	del := pipe.Del(ctx, s.pipelineKey(id))
	pipe.SRem(ctx, pipelineListKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete pipeline: %w", err)
	}
	if del.Val() == 0 {
		return ErrPipelineNotFound
	}
	return nil
}

// List returns all pipelines matching the options.
func (s *RedisStore) List(ctx context.Context, opts *ListOptions) ([]*types.Pipeline, error) {
	ids, err := s.client.SMembers(ctx, pipelineListKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list pipeline ids: %w", err)
	}

	all := make([]*types.Pipeline, 0, len(ids))
	for _, id := range ids {
		p, err := s.Get(ctx, id)
		if errors.Is(err, ErrPipelineNotFound) {
			// Stale reference, clean up
			s.client.SRem(ctx, pipelineListKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		all = append(all, p)
	}

	return filterAndPage(all, opts), nil
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
