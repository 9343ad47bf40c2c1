// Package progress fans out run progress to per-run subscribers.
package progress

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/flexinfer/mentatlab/services/pipeline-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/pipeline-go/pkg/types"
)

// SubscriptionID identifies one registered callback.
type SubscriptionID uint64

type subscriber struct {
	id SubscriptionID
	fn types.ProgressFunc
}

// Broadcaster is a registry of progress callbacks keyed by run id. State for
// one run is never visible to another. Safe for concurrent use.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[string][]subscriber
	nextID SubscriptionID
	logger *slog.Logger
}

// NewBroadcaster creates an empty registry.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subs:   make(map[string][]subscriber),
		logger: logger,
	}
}

// Subscribe appends fn to the callbacks for runID.
func (b *Broadcaster) Subscribe(runID string, fn types.ProgressFunc) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[runID] = append(b.subs[runID], subscriber{id: id, fn: fn})
	return id
}

// Unsubscribe removes a callback. The run entry is dropped once it has no
// callbacks left.
func (b *Broadcaster) Unsubscribe(runID string, id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[runID]
	for i, s := range subs {
		if s.id == id {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, runID)
		return
	}
	b.subs[runID] = subs
}

// Clear drops every callback registered for runID.
func (b *Broadcaster) Clear(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, runID)
}

// Subscribers returns the number of callbacks registered for runID.
func (b *Broadcaster) Subscribers(runID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[runID])
}

// Runs returns the number of runs with at least one callback.
func (b *Broadcaster) Runs() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish calls every callback for the run in registration order. Callbacks
// run outside the lock; a panicking callback is logged and skipped.
func (b *Broadcaster) Publish(runID string, p types.ExecutionProgress) {
	b.mu.Lock()
	subs := make([]subscriber, len(b.subs[runID]))
	copy(subs, b.subs[runID])
	b.mu.Unlock()

	metrics.ProgressEvents.WithLabelValues(string(p.Status)).Inc()

	for _, s := range subs {
		if err := invoke(s.fn, p); err != nil {
			metrics.ProgressCallbackPanics.Inc()
			b.logger.Warn("progress callback failed",
				"run_id", runID,
				"subscription", s.id,
				"error", err,
			)
		}
	}
}

func invoke(fn types.ProgressFunc, p types.ExecutionProgress) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	fn(p)
	return nil
}
