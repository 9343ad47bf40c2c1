package types

import (
	"time"
)

// RunStatus represents the current state of a pipeline run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// NodeStatus represents the state of a single node execution.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusRetrying  NodeStatus = "retrying"
)

// NodeExecutionResult records the outcome of one node within a run.
type NodeExecutionResult struct {
	NodeID     string         `json:"nodeId"`
	Status     NodeStatus     `json:"status"`
	Outputs    map[string]any `json:"outputs"`
	Error      string         `json:"error,omitempty"`
	Duration   time.Duration  `json:"duration,omitempty"`
	RetryCount int            `json:"retryCount"`
}

// PipelineExecutionResult is the complete outcome of one run. NodeResults is
// in execution order with one entry per attempted node.
type PipelineExecutionResult struct {
	RunID        string                `json:"runId"`
	PipelineID   string                `json:"pipelineId"`
	Status       RunStatus             `json:"status"`
	StartTime    time.Time             `json:"startTime"`
	EndTime      *time.Time            `json:"endTime,omitempty"`
	NodeResults  []NodeExecutionResult `json:"nodeResults"`
	FinalOutputs map[string]any        `json:"finalOutputs"`
	Error        string                `json:"error,omitempty"`
}

// Failed reports whether the run ended in failure.
func (r *PipelineExecutionResult) Failed() bool {
	return r.Status == RunStatusFailed
}

// ExecutionProgress is a point-in-time view of a run, delivered to progress
// subscribers. It is never persisted.
type ExecutionProgress struct {
	RunID          string    `json:"runId"`
	TotalNodes     int       `json:"totalNodes"`
	CompletedNodes int       `json:"completedNodes"`
	CurrentNode    *string   `json:"currentNode"`
	Status         RunStatus `json:"status"`
	Percentage     int       `json:"percentage"`
	Message        string    `json:"message,omitempty"`
}

// ProgressFunc receives progress updates for a run.
type ProgressFunc func(ExecutionProgress)
