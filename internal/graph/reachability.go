package graph

import "github.com/venueos/mailflow/pkg/schema"

// ProvisionalSkips computes the set of nodes whose steps cannot be marked
// pending at run creation. Two cases:
//
//  1. Every node transitively reachable from any outgoing target of a
//     condition or guardrail node — which branch wins is unknown until the
//     branch node resolves, so its whole downstream starts skipped. The
//     executor promotes the chosen branch back to pending as it walks.
//  2. Every non-trigger node with zero incoming connections (dead node).
//
// The traversal is an iterative BFS with a visited set, so it terminates on
// diamond-shaped graphs where branches share descendants.
func (g *Graph) ProvisionalSkips() map[string]struct{} {
	skipped := make(map[string]struct{})
	visited := make(map[string]bool, len(g.Nodes))

	var queue []string
	for id, node := range g.Nodes {
		if node.Type != schema.NodeTypeCondition && node.Type != schema.NodeTypeGuardrail {
			continue
		}
		// Both handles: neither branch is decided yet.
		for _, targets := range g.Outgoing[id] {
			for _, target := range targets {
				if !visited[target] {
					visited[target] = true
					queue = append(queue, target)
				}
			}
		}
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		skipped[id] = struct{}{}
		for _, next := range g.Successors(id) {
			if !visited[next] {
				visited[next] = true
				queue = append(queue, next)
			}
		}
	}

	for id, node := range g.Nodes {
		if node.Type == schema.NodeTypeTrigger {
			continue
		}
		if len(g.Incoming[id]) == 0 {
			skipped[id] = struct{}{}
		}
	}

	return skipped
}
