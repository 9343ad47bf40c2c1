// Package outbox hands the side effects requested by system nodes to
// external collaborators once a run has finished: emitted data goes to an
// event bus and stored values go to an artifact store.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Message is one emitted payload.
type Message struct {
	RunID      string    `json:"runId"`
	PipelineID string    `json:"pipelineId"`
	NodeID     string    `json:"nodeId"`
	Label      string    `json:"label,omitempty"`
	Data       any       `json:"data"`
	EmittedAt  time.Time `json:"emittedAt"`
}

// Bus publishes emitted messages.
type Bus interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// LogBus writes messages to the structured log. It is the default when no
// broker is configured.
type LogBus struct {
	logger *slog.Logger
}

// NewLogBus creates a bus that logs every message.
func NewLogBus(logger *slog.Logger) *LogBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogBus{logger: logger}
}

func (b *LogBus) Publish(ctx context.Context, msg Message) error {
	b.logger.InfoContext(ctx, "pipeline emitted",
		slog.String("run_id", msg.RunID),
		slog.String("pipeline_id", msg.PipelineID),
		slog.String("node_id", msg.NodeID),
		slog.Any("data", msg.Data),
	)
	return nil
}

func (b *LogBus) Close() error { return nil }

// RedisBus publishes JSON-encoded messages on a Redis pub/sub channel.
type RedisBus struct {
	client  *redis.Client
	channel string
	owned   bool
}

// NewRedisBus connects to url and publishes on channel.
func NewRedisBus(ctx context.Context, url, channel string) (*RedisBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	bus := NewRedisBusWithClient(client, channel)
	bus.owned = true
	return bus, nil
}

// NewRedisBusWithClient publishes through an existing client, which the bus
// does not close.
func NewRedisBusWithClient(client *redis.Client, channel string) *RedisBus {
	return &RedisBus{client: client, channel: channel}
}

func (b *RedisBus) Publish(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", b.channel, err)
	}
	return nil
}

func (b *RedisBus) Close() error {
	if b.owned {
		return b.client.Close()
	}
	return nil
}
