package graph

import (
	"fmt"
	"sort"

	"github.com/venueos/mailflow/pkg/schema"
)

// Graph is the in-memory representation of a workflow template's nodes and
// connections, indexed for the executor's cursor walk.
type Graph struct {
	Nodes    map[string]*schema.WorkflowNode // node ID → definition
	Configs  map[string]*schema.NodeConfig   // node ID → decoded config
	Outgoing map[string]map[string][]string  // node ID → source handle → target node IDs
	Incoming map[string][]string             // node ID → source node IDs
	Trigger  string                          // the unique entry point
	Order    []string                        // deterministic walk order from the trigger (BFS)
}

// validSourceHandles maps node types to the handles they may emit on.
var validSourceHandles = map[schema.NodeType]map[string]bool{
	schema.NodeTypeTrigger:   {schema.HandleOutput: true},
	schema.NodeTypeAgent:     {schema.HandleOutput: true},
	schema.NodeTypeCondition: {schema.HandlePositiveOutput: true, schema.HandleNegativeOutput: true},
	schema.NodeTypeGuardrail: {schema.HandlePositiveOutput: true, schema.HandleNegativeOutput: true},
	schema.NodeTypeExit:      {},
	schema.NodeTypeMove:      {schema.HandleOutput: true},
}

// Build parses a WorkflowTemplate into an executable Graph. It validates the
// template (exactly one trigger, no inbound edges into the trigger, every
// connection references defined nodes on valid handles), decodes node configs,
// and computes a deterministic BFS order from the trigger.
func Build(tpl *schema.WorkflowTemplate) (*Graph, error) {
	if tpl == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow template is nil")
	}
	if len(tpl.Nodes) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow template has no nodes")
	}

	g := &Graph{
		Nodes:    make(map[string]*schema.WorkflowNode, len(tpl.Nodes)),
		Configs:  make(map[string]*schema.NodeConfig, len(tpl.Nodes)),
		Outgoing: make(map[string]map[string][]string, len(tpl.Nodes)),
		Incoming: make(map[string][]string),
	}

	for i := range tpl.Nodes {
		node := &tpl.Nodes[i]
		if node.ID == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, fmt.Sprintf("node at index %d has empty ID", i))
		}
		if _, exists := g.Nodes[node.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node ID: %s", node.ID)
		}
		cfg, err := node.DecodeConfig()
		if err != nil {
			return nil, err
		}
		g.Nodes[node.ID] = node
		g.Configs[node.ID] = cfg
		g.Outgoing[node.ID] = make(map[string][]string)

		if node.Type == schema.NodeTypeTrigger {
			if g.Trigger != "" {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"template has multiple trigger nodes: %s and %s", g.Trigger, node.ID)
			}
			g.Trigger = node.ID
		}
	}

	if g.Trigger == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "template has no trigger node")
	}

	for i := range tpl.Connections {
		conn := &tpl.Connections[i]
		src, ok := g.Nodes[conn.SourceNodeID]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"connection references undefined source node: %s", conn.SourceNodeID)
		}
		if _, ok := g.Nodes[conn.TargetNodeID]; !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"connection references undefined target node: %s", conn.TargetNodeID)
		}
		if conn.TargetNodeID == g.Trigger {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"trigger node %s must not have incoming connections", g.Trigger)
		}
		handle := conn.SourceHandle
		if handle == "" {
			handle = schema.HandleOutput
		}
		if !validSourceHandles[src.Type][handle] {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"node %s (%s) cannot emit on handle %q", src.ID, src.Type, handle)
		}
		if conn.TargetHandle != "" && conn.TargetHandle != schema.HandleInput {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"connection %s -> %s has invalid target handle %q", conn.SourceNodeID, conn.TargetNodeID, conn.TargetHandle)
		}
		g.Outgoing[conn.SourceNodeID][handle] = append(g.Outgoing[conn.SourceNodeID][handle], conn.TargetNodeID)
		g.Incoming[conn.TargetNodeID] = append(g.Incoming[conn.TargetNodeID], conn.SourceNodeID)
	}

	g.Order = g.walkOrder()
	return g, nil
}

// Next returns the first target connected to the node on the given handle,
// or "" if the node has no outgoing edge on that handle.
func (g *Graph) Next(nodeID, handle string) string {
	targets := g.Outgoing[nodeID][handle]
	if len(targets) == 0 {
		return ""
	}
	return targets[0]
}

// Successors returns every target reachable from the node across all handles,
// sorted for determinism.
func (g *Graph) Successors(nodeID string) []string {
	var out []string
	for _, targets := range g.Outgoing[nodeID] {
		out = append(out, targets...)
	}
	sort.Strings(out)
	return out
}

// walkOrder computes a deterministic BFS order over the graph starting at the
// trigger, with disconnected nodes appended afterwards in sorted order.
// Used to assign stable step_order values at run creation.
func (g *Graph) walkOrder() []string {
	order := make([]string, 0, len(g.Nodes))
	visited := make(map[string]bool, len(g.Nodes))

	queue := []string{g.Trigger}
	visited[g.Trigger] = true
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, next := range g.Successors(id) {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}

	var rest []string
	for id := range g.Nodes {
		if !visited[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	return append(order, rest...)
}
