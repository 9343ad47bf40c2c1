// Package types provides shared types for the pipeline service.
package types

import "time"

// NodeKind selects a node's execution behavior.
type NodeKind string

const (
	NodeKindWidget    NodeKind = "widget"
	NodeKindTransform NodeKind = "transform"
	NodeKindSystem    NodeKind = "system"
	NodeKindAI        NodeKind = "ai"
)

// Valid reports whether k is one of the known node kinds.
func (k NodeKind) Valid() bool {
	switch k {
	case NodeKindWidget, NodeKindTransform, NodeKindSystem, NodeKindAI:
		return true
	default:
		return false
	}
}

// PortDirection is the direction of a declared port.
type PortDirection string

const (
	PortDirectionInput  PortDirection = "input"
	PortDirectionOutput PortDirection = "output"
)

// Pipeline is an immutable snapshot of a processing graph.
// The engine never mutates a pipeline it receives.
type Pipeline struct {
	ID          string       `json:"id" yaml:"id"`
	CanvasID    string       `json:"canvasId,omitempty" yaml:"canvasId,omitempty"`
	Name        string       `json:"name" yaml:"name"`
	Nodes       []Node       `json:"nodes" yaml:"nodes"`
	Connections []Connection `json:"connections" yaml:"connections"`
	Enabled     bool         `json:"enabled" yaml:"enabled"`
	Version     int          `json:"version" yaml:"version"`
	CreatedAt   time.Time    `json:"createdAt,omitzero" yaml:"createdAt,omitempty"`
	UpdatedAt   time.Time    `json:"updatedAt,omitzero" yaml:"updatedAt,omitempty"`
}

// Position is the display position of a node on the canvas. It has no
// effect on execution.
type Position struct {
	X float64 `json:"x" yaml:"x"`
	Y float64 `json:"y" yaml:"y"`
}

// Node is a single processing step.
type Node struct {
	ID       string         `json:"id" yaml:"id"`
	WidgetID string         `json:"widgetId,omitempty" yaml:"widgetId,omitempty"`
	Kind     NodeKind       `json:"type" yaml:"type"`
	Position Position       `json:"position" yaml:"position"`
	Label    string         `json:"label,omitempty" yaml:"label,omitempty"`
	Inputs   []Port         `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs  []Port         `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Config   map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// Key returns the name a node is addressed by in external inputs and final
// outputs: its label when set, otherwise its id.
func (n *Node) Key() string {
	if n.Label != "" {
		return n.Label
	}
	return n.ID
}

// Port is descriptive metadata about a node input or output. Ports are not
// enforced at runtime.
type Port struct {
	Name        string        `json:"name" yaml:"name"`
	Direction   PortDirection `json:"type,omitempty" yaml:"type,omitempty"`
	DataType    string        `json:"dataType,omitempty" yaml:"dataType,omitempty"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
}

// Endpoint addresses one port of one node.
type Endpoint struct {
	NodeID   string `json:"nodeId" yaml:"nodeId"`
	PortName string `json:"portName" yaml:"portName"`
}

// Connection is a directed edge between two node ports.
type Connection struct {
	ID   string   `json:"id" yaml:"id"`
	From Endpoint `json:"from" yaml:"from"`
	To   Endpoint `json:"to" yaml:"to"`

	// Enabled is nil when the connection omits the flag, which counts as enabled.
	Enabled *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
}

// IsEnabled reports whether the connection participates in scheduling and
// routing. Only an explicit false disables it.
func (c *Connection) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// NodeByID returns the node with the given id.
func (p *Pipeline) NodeByID(id string) (*Node, bool) {
	for i := range p.Nodes {
		if p.Nodes[i].ID == id {
			return &p.Nodes[i], true
		}
	}
	return nil, false
}

// ExecutePipelineInput is the invocation input for a pipeline run. Input keys
// are matched against node labels and ids to seed initial outputs.
type ExecutePipelineInput struct {
	PipelineID string         `json:"pipelineId"`
	Inputs     map[string]any `json:"inputs,omitempty"`
}
