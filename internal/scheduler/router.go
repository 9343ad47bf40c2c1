package scheduler

import (
	"sort"

	"github.com/flexinfer/mentatlab/services/pipeline-go/pkg/types"
)

// fallbackPort is read from a source node when it has no output named after
// the connection's source port.
const fallbackPort = "value"

// Outputs holds every recorded node output of a run, keyed by node id.
type Outputs map[string]map[string]any

// RouteInputs builds the input map for nodeID from the outputs already
// recorded. Enabled connections into the node are processed in declaration
// order; when several connections target the same input port the last one
// wins. Sources that have not produced outputs contribute nothing.
func RouteInputs(nodeID string, connections []types.Connection, outputs Outputs) map[string]any {
	inputs := make(map[string]any)
	for i := range connections {
		conn := &connections[i]
		if !conn.IsEnabled() || conn.To.NodeID != nodeID {
			continue
		}

		source, ok := outputs[conn.From.NodeID]
		if !ok {
			continue
		}

		if v, ok := source[conn.From.PortName]; ok {
			inputs[conn.To.PortName] = v
		} else if v, ok := source[fallbackPort]; ok {
			inputs[conn.To.PortName] = v
		}
	}
	return inputs
}

// TerminalNodes returns the nodes that are not the source of any enabled
// connection, in declaration order.
func TerminalNodes(nodes []types.Node, connections []types.Connection) []*types.Node {
	hasOutgoing := make(map[string]bool)
	for i := range connections {
		if connections[i].IsEnabled() {
			hasOutgoing[connections[i].From.NodeID] = true
		}
	}

	var terminal []*types.Node
	for i := range nodes {
		if !hasOutgoing[nodes[i].ID] {
			terminal = append(terminal, &nodes[i])
		}
	}
	return terminal
}

// FinalOutputs gathers the outputs of every terminal node keyed by the
// node's label, or its id when unlabeled. A terminal node without recorded
// outputs contributes an empty map.
func FinalOutputs(nodes []types.Node, connections []types.Connection, outputs Outputs) map[string]any {
	final := make(map[string]any)
	for _, node := range TerminalNodes(nodes, connections) {
		out, ok := outputs[node.ID]
		if !ok {
			out = map[string]any{}
		}
		final[node.Key()] = out
	}
	return final
}

// Seed matches external inputs against node labels and ids and returns
// {"value": input} for every node matched, keyed by node id. Keys are visited
// in sorted order and each key seeds the first node whose label or id equals
// it.
func Seed(nodes []types.Node, inputs map[string]any) Outputs {
	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	seeds := make(Outputs)
	for _, key := range keys {
		for i := range nodes {
			if (nodes[i].Label != "" && nodes[i].Label == key) || nodes[i].ID == key {
				seeds[nodes[i].ID] = map[string]any{fallbackPort: inputs[key]}
				break
			}
		}
	}
	return seeds
}
