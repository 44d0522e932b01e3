package schema

import "strings"

// NodeTypeTrigger is the base trigger node type. Types ending in ".trigger" are triggers too.
const NodeTypeTrigger = "trigger"

// ConnectionTypeMain is the default connection type.
const ConnectionTypeMain = "main"

// Node is a single step of a workflow graph.
type Node struct {
	ID         string         `json:"id" yaml:"id"`
	Name       string         `json:"name" yaml:"name"`
	Type       string         `json:"type" yaml:"type"`
	Enabled    bool           `json:"enabled" yaml:"enabled"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`
}

// IsTrigger reports whether the node is a trigger-type root.
func (n Node) IsTrigger() bool {
	return n.Type == NodeTypeTrigger || strings.HasSuffix(n.Type, "."+NodeTypeTrigger)
}

// DisplayName returns the node name, falling back to its ID.
func (n Node) DisplayName() string {
	if n.Name != "" {
		return n.Name
	}
	return n.ID
}

// Connection is a directed edge between two nodes.
type Connection struct {
	SourceNodeID      string `json:"source_node_id" yaml:"source_node_id"`
	TargetNodeID      string `json:"target_node_id" yaml:"target_node_id"`
	Type              string `json:"type,omitempty" yaml:"type,omitempty"`
	SourceOutputIndex int    `json:"source_output_index,omitempty" yaml:"source_output_index,omitempty"`
	TargetInputIndex  int    `json:"target_input_index,omitempty" yaml:"target_input_index,omitempty"`
	Condition         string `json:"condition,omitempty" yaml:"condition,omitempty"` // CEL expression
}

// WorkflowGraph is the in-memory view of a workflow used for validation and ordering.
// It is built fresh per call and never mutated in place.
type WorkflowGraph struct {
	Nodes       []Node       `json:"nodes" yaml:"nodes"`
	Connections []Connection `json:"connections" yaml:"connections"`
}

// EnabledSubgraph returns a new graph containing only enabled nodes and the
// connections whose endpoints are both enabled.
func (g WorkflowGraph) EnabledSubgraph() WorkflowGraph {
	enabled := make(map[string]bool, len(g.Nodes))
	out := WorkflowGraph{}
	for _, n := range g.Nodes {
		if !n.Enabled {
			continue
		}
		enabled[n.ID] = true
		out.Nodes = append(out.Nodes, n)
	}
	for _, c := range g.Connections {
		if enabled[c.SourceNodeID] && enabled[c.TargetNodeID] {
			out.Connections = append(out.Connections, c)
		}
	}
	return out
}

// NodeByID returns the node with the given ID.
func (g WorkflowGraph) NodeByID(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}
