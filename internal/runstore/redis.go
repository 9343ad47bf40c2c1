package runstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/mentatlab/services/pipeline-go/pkg/types"
)

// RedisStore implements RunStore backed by Redis.
// Uses Redis Streams for events and a hash for run metadata.
type RedisStore struct {
	client    *redis.Client
	prefix    string
	ttl       time.Duration
	maxEvents int64
	logger    *slog.Logger

	mu     sync.Mutex
	closed bool
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (redis://host:port/db)
	URL string

	// Password for Redis authentication
	Password string

	// DB is the database number
	DB int

	// Prefix for all keys (default: "pipeline-runs")
	Prefix string

	Store Config

	// Connection pool settings
	PoolSize     int
	MinIdleConns int

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:          "redis://localhost:6379/0",
		Prefix:       "pipeline-runs",
		Store:        *DefaultConfig(),
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisStore creates a new Redis-backed RunStore.
func NewRedisStore(cfg *RedisConfig, logger *slog.Logger) (*RedisStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := &redis.Options{
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Password:     cfg.Password,
		DB:           cfg.DB,
	}

	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.Addr = parsed.Addr
		if parsed.Password != "" && cfg.Password == "" {
			opts.Password = parsed.Password
		}
		if parsed.DB != 0 && cfg.DB == 0 {
			opts.DB = parsed.DB
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "pipeline-runs"
	}
	maxEvents := cfg.Store.EventMaxLen
	if maxEvents <= 0 {
		maxEvents = DefaultConfig().EventMaxLen
	}

	return &RedisStore{
		client:    client,
		prefix:    prefix,
		ttl:       cfg.Store.TTL,
		maxEvents: maxEvents,
		logger:    logger,
	}, nil
}

// Key helpers
func (s *RedisStore) keyMeta(runID string) string   { return fmt.Sprintf("%s:%s:meta", s.prefix, runID) }
func (s *RedisStore) keyEvents(runID string) string { return fmt.Sprintf("%s:%s:events", s.prefix, runID) }
func (s *RedisStore) keySeq(runID string) string    { return fmt.Sprintf("%s:%s:seq", s.prefix, runID) }

// setTTL refreshes TTL on all keys for a run.
func (s *RedisStore) setTTL(ctx context.Context, runID string) {
	if s.ttl <= 0 {
		return
	}
	pipe := s.client.Pipeline()
	pipe.Expire(ctx, s.keyMeta(runID), s.ttl)
	pipe.Expire(ctx, s.keyEvents(runID), s.ttl)
	pipe.Expire(ctx, s.keySeq(runID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("failed to set TTL for run", slog.String("run_id", runID), slog.Any("error", err))
	}
}

// CreateRun creates a new run record.
func (s *RedisStore) CreateRun(ctx context.Context, runID, pipelineID string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)

	created, err := s.client.HSetNX(ctx, s.keyMeta(runID), "runId", runID).Result()
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	if !created {
		return ErrRunExists
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, s.keyMeta(runID), map[string]interface{}{
		"pipelineId": pipelineID,
		"status":     string(types.RunStatusPending),
		"error":      "",
		"done":       "false",
		"createdAt":  now,
		"updatedAt":  now,
	})
	pipe.Set(ctx, s.keySeq(runID), "0", 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create run: %w", err)
	}

	s.setTTL(ctx, runID)
	return nil
}

// GetRunMeta returns run metadata.
func (s *RedisStore) GetRunMeta(ctx context.Context, runID string) (*RunMeta, error) {
	meta, err := s.client.HGetAll(ctx, s.keyMeta(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get run meta: %w", err)
	}
	if len(meta) == 0 {
		return nil, ErrRunNotFound
	}

	result := &RunMeta{
		ID:         runID,
		PipelineID: meta["pipelineId"],
		Status:     types.RunStatus(meta["status"]),
		Error:      meta["error"],
		Done:       meta["done"] == "true",
	}
	if t, err := time.Parse(time.RFC3339Nano, meta["createdAt"]); err == nil {
		result.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, meta["updatedAt"]); err == nil {
		result.UpdatedAt = t
	}
	return result, nil
}

// UpdateRunStatus updates the run's status.
func (s *RedisStore) UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, errMsg string) error {
	exists, err := s.client.Exists(ctx, s.keyMeta(runID)).Result()
	if err != nil {
		return fmt.Errorf("check run exists: %w", err)
	}
	if exists == 0 {
		return ErrRunNotFound
	}

	if err := s.client.HSet(ctx, s.keyMeta(runID), map[string]interface{}{
		"status":    string(status),
		"error":     errMsg,
		"updatedAt": time.Now().UTC().Format(time.RFC3339Nano),
	}).Err(); err != nil {
		return fmt.Errorf("update run status: %w", err)
	}

	s.setTTL(ctx, runID)
	return nil
}

// AppendEvent adds an event to the run's stream.
func (s *RedisStore) AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error) {
	exists, err := s.client.Exists(ctx, s.keyMeta(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("check run exists: %w", err)
	}
	if exists == 0 {
		return nil, ErrRunNotFound
	}

	dataBytes, err := json.Marshal(input.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}

	// Increment sequence atomically
	seq, err := s.client.Incr(ctx, s.keySeq(runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("incr seq: %w", err)
	}

	now := time.Now().UTC()
	event := &types.Event{
		ID:        strconv.FormatInt(seq, 10),
		RunID:     runID,
		Type:      input.Type,
		NodeID:    input.NodeID,
		Timestamp: now,
		Data:      dataBytes,
	}

	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.keyEvents(runID),
		MaxLen: s.maxEvents,
		Approx: true,
		Values: map[string]interface{}{
			"seq":    event.ID,
			"ts":     now.Format(time.RFC3339Nano),
			"type":   string(input.Type),
			"data":   string(dataBytes),
			"nodeId": input.NodeID,
		},
	}).Err(); err != nil {
		return nil, fmt.Errorf("xadd: %w", err)
	}

	if event.IsTerminal() {
		if err := s.client.HSet(ctx, s.keyMeta(runID), "done", "true").Err(); err != nil {
			return nil, fmt.Errorf("mark run done: %w", err)
		}
	}

	s.setTTL(ctx, runID)
	return event, nil
}

// GetEventsSince returns events after the given event ID.
func (s *RedisStore) GetEventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error) {
	entries, err := s.client.XRange(ctx, s.keyEvents(runID), "-", "+").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*types.Event{}, nil
		}
		return nil, fmt.Errorf("xrange: %w", err)
	}

	lastSeq, _ := strconv.ParseInt(lastEventID, 10, 64)

	events := make([]*types.Event, 0, len(entries))
	for _, entry := range entries {
		evt := decodeEntry(runID, entry)
		if seq, _ := strconv.ParseInt(evt.ID, 10, 64); seq <= lastSeq {
			continue
		}
		events = append(events, evt)
	}
	return events, nil
}

// Subscribe returns a channel that receives events read from the run's
// stream. The reader replays the retained stream from the start, so callers
// de-duplicate by event ID, and closes the channel after the terminal event.
func (s *RedisStore) Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error) {
	exists, err := s.client.Exists(ctx, s.keyMeta(runID)).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("check run exists: %w", err)
	}
	if exists == 0 {
		return nil, nil, ErrRunNotFound
	}

	readCtx, cancel := context.WithCancel(ctx)
	ch := make(chan *types.Event, 100)
	go s.streamReader(readCtx, runID, ch)

	return ch, cancel, nil
}

// streamReader reads from the Redis Stream and pushes to ch. It owns ch and
// closes it on exit.
func (s *RedisStore) streamReader(ctx context.Context, runID string, ch chan *types.Event) {
	defer close(ch)

	lastID := "0-0"
	for {
		if ctx.Err() != nil {
			return
		}

		streams, err := s.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{s.keyEvents(runID), lastID},
			Count:   50,
			Block:   time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("stream read failed", slog.String("run_id", runID), slog.Any("error", err))
			select {
			case <-time.After(100 * time.Millisecond):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, stream := range streams {
			for _, entry := range stream.Messages {
				lastID = entry.ID
				evt := decodeEntry(runID, entry)

				select {
				case ch <- evt:
				case <-ctx.Done():
					return
				}
				if evt.IsTerminal() {
					return
				}
			}
		}
	}
}

func decodeEntry(runID string, entry redis.XMessage) *types.Event {
	seqStr, _ := entry.Values["seq"].(string)
	ts, _ := entry.Values["ts"].(string)
	timestamp, _ := time.Parse(time.RFC3339Nano, ts)
	eventType, _ := entry.Values["type"].(string)
	data, _ := entry.Values["data"].(string)
	nodeID, _ := entry.Values["nodeId"].(string)

	return &types.Event{
		ID:        seqStr,
		RunID:     runID,
		Type:      types.EventType(eventType),
		NodeID:    nodeID,
		Timestamp: timestamp,
		Data:      json.RawMessage(data),
	}
}

// AdapterInfo returns diagnostic information.
func (s *RedisStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	pingStart := time.Now()
	if err := s.client.Ping(ctx).Err(); err != nil {
		return map[string]interface{}{
			"adapter": "redis",
			"healthy": false,
			"error":   err.Error(),
		}, nil
	}
	pingLatency := time.Since(pingStart)

	poolStats := s.client.PoolStats()

	return map[string]interface{}{
		"adapter": "redis",
		"healthy": true,
		"details": map[string]interface{}{
			"prefix":       s.prefix,
			"ttl":          s.ttl.String(),
			"max_events":   s.maxEvents,
			"ping_latency": pingLatency.String(),
			"pool": map[string]interface{}{
				"hits":       poolStats.Hits,
				"misses":     poolStats.Misses,
				"timeouts":   poolStats.Timeouts,
				"total_conn": poolStats.TotalConns,
				"idle_conn":  poolStats.IdleConns,
			},
		},
	}, nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	return s.client.Close()
}

// Ensure RedisStore implements RunStore
var _ RunStore = (*RedisStore)(nil)
