package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType categorizes the kind of run event.
type EventType string

const (
	EventTypeRunStatus  EventType = "run_status"
	EventTypeProgress   EventType = "progress"
	EventTypeNodeStatus EventType = "node_status"
	EventTypeResult     EventType = "result"
	EventTypeLog        EventType = "log"
)

// Event represents a single entry in a run's live event stream.
type Event struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Type      EventType       `json:"type"`
	NodeID    string          `json:"node_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EventInput is used when appending new events.
type EventInput struct {
	Type   EventType   `json:"type"`
	NodeID string      `json:"node_id,omitempty"`
	Data   interface{} `json:"data,omitempty"`
}

// NodeStatusEvent is the payload of node_status events.
type NodeStatusEvent struct {
	Status  NodeStatus `json:"status"`
	Attempt int        `json:"attempt,omitempty"`
	RetryIn string     `json:"retryIn,omitempty"`
	Error   string     `json:"error,omitempty"`
}

// RunStatusEvent is the payload of run_status events.
type RunStatusEvent struct {
	Status RunStatus `json:"status"`
	Error  string    `json:"error,omitempty"`
}

// IsTerminal reports whether the event closes a run's stream.
func (e *Event) IsTerminal() bool {
	return e.Type == EventTypeResult
}

// ToSSE formats the event for Server-Sent Events protocol.
// Format: id: <id>\nevent: <type>\ndata: <json>\n\n
func (e *Event) ToSSE() []byte {
	data, _ := json.Marshal(e)
	return []byte(fmt.Sprintf("id: %s\nevent: %s\ndata: %s\n\n", e.ID, e.Type, data))
}
