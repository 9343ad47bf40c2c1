// Package scheduler computes the execution order of a pipeline and routes
// data between its nodes.
package scheduler

import (
	"github.com/flexinfer/mentatlab/services/pipeline-go/pkg/types"
)

// Order is a computed execution sequence.
type Order struct {
	// NodeIDs lists every node exactly once.
	NodeIDs []string

	// Cyclic is set when the graph contains a cycle and NodeIDs fell back to
	// declaration order.
	Cyclic bool
}

// ExecutionOrder returns node ids such that every node appears after all
// nodes with an enabled connection into it, using Kahn's algorithm with a
// FIFO queue seeded in declaration order. Connections whose endpoints are
// not both present are ignored.
//
// When the sort cannot place every node the graph has a cycle; the original
// declaration order is returned instead and Cyclic is set.
func ExecutionOrder(nodes []types.Node, connections []types.Connection) Order {
	inDegree := make(map[string]int, len(nodes))
	for i := range nodes {
		inDegree[nodes[i].ID] = 0
	}

	// node_id -> downstream ids in connection declaration order
	dependents := make(map[string][]string, len(nodes))
	for i := range connections {
		conn := &connections[i]
		if !conn.IsEnabled() {
			continue
		}
		if _, ok := inDegree[conn.From.NodeID]; !ok {
			continue
		}
		if _, ok := inDegree[conn.To.NodeID]; !ok {
			continue
		}
		dependents[conn.From.NodeID] = append(dependents[conn.From.NodeID], conn.To.NodeID)
		inDegree[conn.To.NodeID]++
	}

	queue := make([]string, 0, len(nodes))
	for i := range nodes {
		if inDegree[nodes[i].ID] == 0 {
			queue = append(queue, nodes[i].ID)
		}
	}

	order := make([]string, 0, len(nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		for _, next := range dependents[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) != len(nodes) {
		return Order{NodeIDs: DeclarationOrder(nodes), Cyclic: true}
	}
	return Order{NodeIDs: order}
}

// DeclarationOrder returns node ids in the order they were declared.
func DeclarationOrder(nodes []types.Node) []string {
	ids := make([]string, len(nodes))
	for i := range nodes {
		ids[i] = nodes[i].ID
	}
	return ids
}
