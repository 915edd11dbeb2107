// Package handlers contains the per-node-type dispatch implementations the
// executor invokes while walking a workflow graph.
package handlers

import (
	"context"
	"sync"

	"github.com/venueos/mailflow/internal/guardrail"
	"github.com/venueos/mailflow/pkg/schema"
)

// Request carries everything a handler needs to execute one node.
type Request struct {
	ExecutionID    string
	OrganizationID string
	VenueID        string
	Node           *schema.WorkflowNode
	Config         *schema.NodeConfig
	// Variables is the run's accumulated variable bag. Handlers read it to
	// resolve templates; merging output back into it is the executor's job.
	Variables map[string]any
	// Input is the resolved input payload for this node, if any.
	Input any
}

// Result is the outcome of a node dispatch.
type Result struct {
	// Output is merged into the run's variable bag under the node name.
	Output map[string]any
	// Handle names the outgoing edge to follow (output, positive_output,
	// negative_output). Empty means the node type's default handle.
	Handle string
	// Terminal is set by exit/move nodes: the walk stops here.
	Terminal bool
	// Violation is set when a guardrail blocked the run. The run ends
	// successfully with the violation's side-effect payload.
	Violation *guardrail.Violation
	// ResolvedPrompt is the materialized prompt template, persisted on the
	// step row for observability.
	ResolvedPrompt string
}

// NodeHandler executes a single typed node.
type NodeHandler interface {
	Type() schema.NodeType
	Execute(ctx context.Context, req *Request) (*Result, error)
}

// Registry maps node types to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[schema.NodeType]NodeHandler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[schema.NodeType]NodeHandler)}
}

// Register adds a handler. Registering the same type twice replaces the
// previous handler.
func (r *Registry) Register(h NodeHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Type()] = h
}

// Get returns the handler for a node type.
func (r *Registry) Get(nodeType schema.NodeType) (NodeHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[nodeType]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "no handler registered for node type %q", nodeType)
	}
	return h, nil
}

// Types returns the registered node types.
func (r *Registry) Types() []schema.NodeType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]schema.NodeType, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}
