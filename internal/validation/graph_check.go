package validation

import (
	"fmt"

	"github.com/venueos/mailflow/internal/graph"
	"github.com/venueos/mailflow/pkg/schema"
)

// validateGraph performs graph analysis on the template: edge wiring (via
// graph.Build), cycle detection, and trigger-reachability warnings.
func validateGraph(tpl *schema.WorkflowTemplate) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	g, err := graph.Build(tpl)
	if err != nil {
		if fe, ok := err.(*schema.FlowError); ok {
			result.AddError("connections", fe.Code, fe.Message)
		} else {
			result.AddError("connections", schema.ErrCodeValidation, err.Error())
		}
		return result
	}

	if cycleNode := findCycle(g); cycleNode != "" {
		result.AddError("connections", schema.ErrCodeValidation,
			fmt.Sprintf("workflow contains a cycle through node %q", cycleNode))
		return result // cycle makes reachability analysis meaningless
	}

	// Reachability: BFS from the trigger. Disconnected nodes never run.
	reachable := make(map[string]bool, len(g.Nodes))
	queue := []string{g.Trigger}
	reachable[g.Trigger] = true
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, next := range g.Successors(id) {
			if !reachable[next] {
				reachable[next] = true
				queue = append(queue, next)
			}
		}
	}

	// Error-recovery nodes are entered out-of-band, count them as reachable.
	for id, cfg := range g.Configs {
		if reachable[id] && cfg.Agent != nil && cfg.Agent.OnErrorNode != "" {
			reachable[cfg.Agent.OnErrorNode] = true
		}
	}

	for _, n := range tpl.Nodes {
		if !reachable[n.ID] {
			result.AddWarning(fmt.Sprintf("nodes[%s]", n.ID), schema.ErrCodeValidation,
				fmt.Sprintf("node %q is unreachable from the trigger", n.ID))
		}
	}

	return result
}

// findCycle runs a DFS over the outgoing edges and returns a node on a cycle,
// or "" when the graph is acyclic.
func findCycle(g *graph.Graph) string {
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make(map[string]int, len(g.Nodes))

	var visit func(id string) string
	visit = func(id string) string {
		state[id] = inStack
		for _, next := range g.Successors(id) {
			switch state[next] {
			case inStack:
				return next
			case unvisited:
				if hit := visit(next); hit != "" {
					return hit
				}
			}
		}
		state[id] = done
		return ""
	}

	for id := range g.Nodes {
		if state[id] == unvisited {
			if hit := visit(id); hit != "" {
				return hit
			}
		}
	}
	return ""
}
