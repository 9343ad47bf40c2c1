// Package runstore keeps the live event stream of each pipeline run so
// clients can follow a run over SSE or WebSocket and resume after a
// disconnect. Streams are ephemeral and expire after a TTL.
package runstore

import (
	"context"
	"errors"
	"time"

	"github.com/flexinfer/mentatlab/services/pipeline-go/pkg/types"
)

// Common errors returned by RunStore implementations.
var (
	ErrRunNotFound = errors.New("run not found")
	ErrRunExists   = errors.New("run already exists")
)

// RunMeta is the lightweight state kept next to a run's event stream.
type RunMeta struct {
	ID         string          `json:"id"`
	PipelineID string          `json:"pipelineId,omitempty"`
	Status     types.RunStatus `json:"status"`
	Error      string          `json:"error,omitempty"`
	Done       bool            `json:"done"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// RunStore defines the interface for run event streaming.
// Implementations must be safe for concurrent use.
type RunStore interface {
	// CreateRun registers an empty stream for runID in pending state.
	CreateRun(ctx context.Context, runID, pipelineID string) error
	GetRunMeta(ctx context.Context, runID string) (*RunMeta, error)
	UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, errMsg string) error

	// AppendEvent adds an event to the run's stream and returns the created
	// event. Appending a terminal event marks the run done and ends every
	// subscription.
	AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error)

	// GetEventsSince returns events after the given event ID (exclusive).
	// If lastEventID is empty, returns all retained events.
	GetEventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error)

	// Subscribe returns a channel that receives new events for the run.
	// The cleanup function must be called when done to release resources.
	// The channel is closed once the run is done.
	Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error)

	// Diagnostics
	AdapterInfo(ctx context.Context) (map[string]interface{}, error)

	Close() error
}

// Config holds configuration for RunStore implementations.
type Config struct {
	// Maximum number of events to keep per run (ring buffer)
	EventMaxLen int64

	// TTL of a run's stream after its last update (0 = no expiry)
	TTL time.Duration
}

// DefaultConfig returns sensible defaults for RunStore configuration.
func DefaultConfig() *Config {
	return &Config{
		EventMaxLen: 5000,
		TTL:         time.Hour,
	}
}
