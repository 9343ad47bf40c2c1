package runstore

import (
	"context"
	"errors"
	"log/slog"

	"github.com/flexinfer/mentatlab/services/pipeline-go/internal/metrics"
	"github.com/flexinfer/mentatlab/services/pipeline-go/pkg/types"
)

// Sink appends engine lifecycle events to a RunStore. Runs that were not
// registered up front are created on their first event.
type Sink struct {
	store  RunStore
	logger *slog.Logger
}

// NewSink creates a sink writing to store.
func NewSink(store RunStore, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{store: store, logger: logger}
}

// Emit records ev on the run's stream. Errors are logged and dropped.
func (s *Sink) Emit(ctx context.Context, runID string, ev types.EventInput) {
	if status, ok := runStatus(ev); ok {
		if err := s.store.UpdateRunStatus(ctx, runID, status.Status, status.Error); errors.Is(err, ErrRunNotFound) {
			if err := s.create(ctx, runID); err == nil {
				err = s.store.UpdateRunStatus(ctx, runID, status.Status, status.Error)
				s.logErr(err, runID, "update run status")
			}
		} else {
			s.logErr(err, runID, "update run status")
		}
	}

	_, err := s.store.AppendEvent(ctx, runID, &ev)
	if errors.Is(err, ErrRunNotFound) {
		if err = s.create(ctx, runID); err == nil {
			_, err = s.store.AppendEvent(ctx, runID, &ev)
		}
	}
	if err != nil {
		s.logErr(err, runID, "append event")
		return
	}
	metrics.EventsTotal.WithLabelValues(string(ev.Type)).Inc()
}

func (s *Sink) create(ctx context.Context, runID string) error {
	err := s.store.CreateRun(ctx, runID, "")
	if err != nil && !errors.Is(err, ErrRunExists) {
		s.logErr(err, runID, "create run")
		return err
	}
	return nil
}

func (s *Sink) logErr(err error, runID, op string) {
	if err != nil {
		s.logger.Warn("run event sink failed",
			slog.String("run_id", runID),
			slog.String("op", op),
			slog.Any("error", err),
		)
	}
}

func runStatus(ev types.EventInput) (types.RunStatusEvent, bool) {
	if ev.Type != types.EventTypeRunStatus {
		return types.RunStatusEvent{}, false
	}
	switch d := ev.Data.(type) {
	case types.RunStatusEvent:
		return d, true
	case *types.RunStatusEvent:
		if d != nil {
			return *d, true
		}
	}
	return types.RunStatusEvent{}, false
}
