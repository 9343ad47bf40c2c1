package runstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/flexinfer/mentatlab/services/pipeline-go/pkg/types"
)

// memoryRun holds the stream of a single run in memory.
type memoryRun struct {
	mu          sync.RWMutex
	meta        RunMeta
	events      []*types.Event
	nextSeq     int64
	subscribers map[chan *types.Event]struct{}
}

// MemoryStore is an in-memory implementation of RunStore.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[string]*memoryRun
	config *Config
	now    func() time.Time
}

// NewMemoryStore creates a new in-memory RunStore.
func NewMemoryStore(cfg *Config) *MemoryStore {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &MemoryStore{
		runs:   make(map[string]*memoryRun),
		config: cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) CreateRun(ctx context.Context, runID, pipelineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evictExpiredLocked()

	if _, exists := s.runs[runID]; exists {
		return ErrRunExists
	}

	now := s.now()
	s.runs[runID] = &memoryRun{
		meta: RunMeta{
			ID:         runID,
			PipelineID: pipelineID,
			Status:     types.RunStatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		},
		events:      make([]*types.Event, 0),
		nextSeq:     1,
		subscribers: make(map[chan *types.Event]struct{}),
	}
	return nil
}

// evictExpiredLocked drops finished runs whose TTL has passed.
func (s *MemoryStore) evictExpiredLocked() {
	if s.config.TTL <= 0 {
		return
	}
	cutoff := s.now().Add(-s.config.TTL)
	for id, run := range s.runs {
		run.mu.RLock()
		expired := run.meta.Done && run.meta.UpdatedAt.Before(cutoff)
		run.mu.RUnlock()
		if expired {
			delete(s.runs, id)
		}
	}
}

func (s *MemoryStore) run(runID string) (*memoryRun, error) {
	s.mu.RLock()
	run, ok := s.runs[runID]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrRunNotFound
	}
	return run, nil
}

func (s *MemoryStore) GetRunMeta(ctx context.Context, runID string) (*RunMeta, error) {
	run, err := s.run(runID)
	if err != nil {
		return nil, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	meta := run.meta
	return &meta, nil
}

func (s *MemoryStore) UpdateRunStatus(ctx context.Context, runID string, status types.RunStatus, errMsg string) error {
	run, err := s.run(runID)
	if err != nil {
		return err
	}

	run.mu.Lock()
	defer run.mu.Unlock()

	run.meta.Status = status
	run.meta.Error = errMsg
	run.meta.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, runID string, input *types.EventInput) (*types.Event, error) {
	run, err := s.run(runID)
	if err != nil {
		return nil, err
	}

	dataJSON, err := json.Marshal(input.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event data: %w", err)
	}

	run.mu.Lock()

	if run.meta.Done {
		run.mu.Unlock()
		return nil, fmt.Errorf("run %s is done", runID)
	}

	event := &types.Event{
		ID:        strconv.FormatInt(run.nextSeq, 10),
		RunID:     runID,
		Type:      input.Type,
		NodeID:    input.NodeID,
		Timestamp: s.now(),
		Data:      dataJSON,
	}
	run.nextSeq++

	// Append to ring buffer
	if s.config.EventMaxLen > 0 && int64(len(run.events)) >= s.config.EventMaxLen {
		run.events = run.events[1:]
	}
	run.events = append(run.events, event)
	run.meta.UpdatedAt = event.Timestamp

	// Sends never block, so subscribers are notified under the lock and a
	// terminal event cannot race a concurrent send.
	terminal := event.IsTerminal()
	for ch := range run.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber too slow, skip
		}
		if terminal {
			close(ch)
		}
	}
	if terminal {
		run.meta.Done = true
		run.subscribers = make(map[chan *types.Event]struct{})
	}
	run.mu.Unlock()

	return event, nil
}

func (s *MemoryStore) GetEventsSince(ctx context.Context, runID string, lastEventID string) ([]*types.Event, error) {
	run, err := s.run(runID)
	if err != nil {
		return nil, err
	}

	run.mu.RLock()
	defer run.mu.RUnlock()

	lastSeq, _ := strconv.ParseInt(lastEventID, 10, 64)

	result := make([]*types.Event, 0, len(run.events))
	for _, evt := range run.events {
		if seq, _ := strconv.ParseInt(evt.ID, 10, 64); seq > lastSeq {
			result = append(result, evt)
		}
	}
	return result, nil
}

func (s *MemoryStore) Subscribe(ctx context.Context, runID string) (<-chan *types.Event, func(), error) {
	run, err := s.run(runID)
	if err != nil {
		return nil, nil, err
	}

	// Create buffered channel for subscriber
	ch := make(chan *types.Event, 100)

	run.mu.Lock()
	if run.meta.Done {
		run.mu.Unlock()
		close(ch)
		return ch, func() {}, nil
	}
	run.subscribers[ch] = struct{}{}
	run.mu.Unlock()

	cleanup := func() {
		run.mu.Lock()
		delete(run.subscribers, ch)
		run.mu.Unlock()
		// Don't close the channel here - the terminal event does that
	}

	return ch, cleanup, nil
}

func (s *MemoryStore) AdapterInfo(ctx context.Context) (map[string]interface{}, error) {
	s.mu.RLock()
	runCount := len(s.runs)
	s.mu.RUnlock()

	return map[string]interface{}{
		"adapter":    "memory",
		"run_count":  runCount,
		"max_events": s.config.EventMaxLen,
		"ttl":        s.config.TTL.String(),
	}, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Close all subscriber channels
	for _, run := range s.runs {
		run.mu.Lock()
		for ch := range run.subscribers {
			close(ch)
		}
		run.subscribers = make(map[chan *types.Event]struct{})
		run.meta.Done = true
		run.mu.Unlock()
	}

	return nil
}

// Verify interface compliance
var _ RunStore = (*MemoryStore)(nil)
