package validation

import (
	"fmt"

	"github.com/rendis/nodeflow/pkg/schema"
)

// DFS colors.
const (
	white = iota
	gray
	black
)

// adjacency is the referentially valid edge set of a graph, in connection order.
type adjacency struct {
	ids  map[string]bool
	out  map[string][]string
	in   map[string]int
	outN map[string]int
}

// buildAdjacency collects edges between known nodes, skipping self-loops and
// dangling references. Problems are reported on result when it is non-nil.
func buildAdjacency(g schema.WorkflowGraph, result *schema.ValidationResult) adjacency {
	adj := adjacency{
		ids:  make(map[string]bool, len(g.Nodes)),
		out:  make(map[string][]string, len(g.Nodes)),
		in:   make(map[string]int, len(g.Nodes)),
		outN: make(map[string]int, len(g.Nodes)),
	}

	for i, n := range g.Nodes {
		switch {
		case n.ID == "":
			if result != nil {
				result.AddError(fmt.Sprintf("nodes[%d].id", i), schema.ErrCodeValidation, "node id is empty")
			}
			continue
		case adj.ids[n.ID]:
			if result != nil {
				result.AddError(fmt.Sprintf("nodes[%d].id", i), schema.ErrCodeValidation,
					fmt.Sprintf("duplicate node id %q", n.ID))
			}
			continue
		}
		adj.ids[n.ID] = true
	}

	for i, c := range g.Connections {
		path := fmt.Sprintf("connections[%d]", i)
		valid := true
		if !adj.ids[c.SourceNodeID] {
			valid = false
			if result != nil {
				result.AddError(path+".source_node_id", schema.ErrCodeValidation,
					fmt.Sprintf("connection references unknown source node %q", c.SourceNodeID))
			}
		}
		if !adj.ids[c.TargetNodeID] {
			valid = false
			if result != nil {
				result.AddError(path+".target_node_id", schema.ErrCodeValidation,
					fmt.Sprintf("connection references unknown target node %q", c.TargetNodeID))
			}
		}
		if !valid {
			continue
		}
		if c.SourceNodeID == c.TargetNodeID {
			if result != nil {
				result.AddError(path, schema.ErrCodeValidation,
					fmt.Sprintf("node %q cannot connect to itself", c.SourceNodeID))
			}
			continue
		}
		adj.out[c.SourceNodeID] = append(adj.out[c.SourceNodeID], c.TargetNodeID)
		adj.outN[c.SourceNodeID]++
		adj.in[c.TargetNodeID]++
	}

	return adj
}

// ValidateGraph checks referential integrity, self-loops, cycles and isolated nodes.
// Only the first cycle found is reported.
func ValidateGraph(g schema.WorkflowGraph) *schema.GraphResult {
	result := &schema.GraphResult{}
	adj := buildAdjacency(g, &result.ValidationResult)

	if cycle := findCycle(g, adj); cycle != nil {
		result.Cycle = cycle
		result.AddError("connections", schema.ErrCodeCycleDetected,
			fmt.Sprintf("workflow contains a cycle: %s", joinPath(cycle)))
	}

	if len(adj.ids) > 1 {
		seen := make(map[string]bool, len(g.Nodes))
		for i, n := range g.Nodes {
			if n.ID == "" || seen[n.ID] {
				continue
			}
			seen[n.ID] = true
			if adj.in[n.ID] == 0 && adj.outN[n.ID] == 0 {
				result.AddWarning(fmt.Sprintf("nodes[%d]", i), schema.ErrCodeValidation,
					fmt.Sprintf("node %q is isolated: it has no incoming or outgoing connections", n.ID))
			}
		}
	}

	return result
}

// findCycle runs a three-color DFS from every unvisited node in node-array order
// and returns the first back edge's cycle, closed with its first node.
func findCycle(g schema.WorkflowGraph, adj adjacency) []string {
	color := make(map[string]int, len(adj.ids))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		color[id] = gray
		stack = append(stack, id)
		for _, next := range adj.out[id] {
			switch color[next] {
			case gray:
				start := len(stack) - 1
				for stack[start] != next {
					start--
				}
				cycle := make([]string, 0, len(stack)-start+1)
				cycle = append(cycle, stack[start:]...)
				return append(cycle, next)
			case white:
				if c := visit(next); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, n := range g.Nodes {
		if !adj.ids[n.ID] || color[n.ID] != white {
			continue
		}
		if c := visit(n.ID); c != nil {
			return c
		}
	}
	return nil
}

// Order returns a topological order using Kahn's algorithm, seeded with
// zero in-degree nodes in node-array order. On cyclic input the result is
// partial; callers check ValidateGraph first.
func Order(g schema.WorkflowGraph) []string {
	adj := buildAdjacency(g, nil)

	inDegree := make(map[string]int, len(adj.ids))
	queue := make([]string, 0, len(adj.ids))
	seen := make(map[string]bool, len(adj.ids))
	for _, n := range g.Nodes {
		if !adj.ids[n.ID] || seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		inDegree[n.ID] = adj.in[n.ID]
		if adj.in[n.ID] == 0 {
			queue = append(queue, n.ID)
		}
	}

	order := make([]string, 0, len(adj.ids))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, next := range adj.out[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return order
}

// Paths returns every simple path from one node to another.
func Paths(g schema.WorkflowGraph, from, to string) [][]string {
	adj := buildAdjacency(g, nil)
	if !adj.ids[from] || !adj.ids[to] {
		return nil
	}

	var paths [][]string
	onPath := make(map[string]bool)

	var walk func(id string, path []string)
	walk = func(id string, path []string) {
		path = append(path, id)
		if id == to {
			p := make([]string, len(path))
			copy(p, path)
			paths = append(paths, p)
			return
		}
		onPath[id] = true
		for _, next := range adj.out[id] {
			if !onPath[next] {
				walk(next, path)
			}
		}
		onPath[id] = false
	}

	walk(from, nil)
	return paths
}

func joinPath(ids []string) string {
	s := ""
	for i, id := range ids {
		if i > 0 {
			s += " -> "
		}
		s += id
	}
	return s
}
