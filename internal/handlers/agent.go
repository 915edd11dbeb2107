package handlers

import (
	"context"
	"encoding/json"

	"github.com/venueos/mailflow/internal/expressions"
	"github.com/venueos/mailflow/pkg/schema"
)

// AgentRequest is the resolved payload sent to a content agent.
type AgentRequest struct {
	Kind   string         `json:"kind"` // parsing | business_logic | action_execution
	Model  string         `json:"model,omitempty"`
	Prompt string         `json:"prompt"`
	Input  map[string]any `json:"input,omitempty"`

	ExecutionID    string `json:"execution_id"`
	OrganizationID string `json:"organization_id"`
	VenueID        string `json:"venue_id,omitempty"`
}

// AgentClient is the port to the external content-generating agents. The
// prompt/LLM mechanics live behind it.
type AgentClient interface {
	Invoke(ctx context.Context, req *AgentRequest) (map[string]any, error)
}

// AgentClientFunc adapts a function to the AgentClient interface.
type AgentClientFunc func(ctx context.Context, req *AgentRequest) (map[string]any, error)

func (f AgentClientFunc) Invoke(ctx context.Context, req *AgentRequest) (map[string]any, error) {
	return f(ctx, req)
}

// AgentHandler dispatches agent nodes to the external content pipeline.
// Prompt and input templates are resolved against the run variables before
// the call; an optional jq transform reshapes the output afterwards.
type AgentHandler struct {
	client      AgentClient
	transformer *expressions.JQTransformer
}

func NewAgentHandler(client AgentClient, transformer *expressions.JQTransformer) *AgentHandler {
	return &AgentHandler{client: client, transformer: transformer}
}

func (h *AgentHandler) Type() schema.NodeType { return schema.NodeTypeAgent }

func (h *AgentHandler) Execute(ctx context.Context, req *Request) (*Result, error) {
	cfg := req.Config.Agent
	if cfg == nil || cfg.Kind == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "agent node has no kind").WithNode(req.Node.ID)
	}
	if h.client == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "no agent client configured").WithNode(req.Node.ID)
	}

	resolvedPrompt := expressions.ResolveString(cfg.Prompt, req.Variables)

	var input map[string]any
	if len(cfg.Input) > 0 {
		raw := make(map[string]any)
		if err := json.Unmarshal(cfg.Input, &raw); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "agent input is not an object: %s", err.Error()).WithNode(req.Node.ID)
		}
		resolved := expressions.Resolve(raw, req.Variables)
		input, _ = resolved.(map[string]any)
	}

	out, err := h.client.Invoke(ctx, &AgentRequest{
		Kind:           cfg.Kind,
		Model:          cfg.Model,
		Prompt:         resolvedPrompt,
		Input:          input,
		ExecutionID:    req.ExecutionID,
		OrganizationID: req.OrganizationID,
		VenueID:        req.VenueID,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "agent %s: %s", cfg.Kind, err.Error()).
			WithNode(req.Node.ID).WithCause(err)
	}

	if cfg.Transform != "" && h.transformer != nil {
		transformed, err := h.transformer.Transform(ctx, cfg.Transform, anyMap(out))
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "agent output transform: %s", err.Error()).
				WithNode(req.Node.ID).WithCause(err)
		}
		if m, ok := transformed.(map[string]any); ok {
			out = m
		} else {
			out = map[string]any{"result": transformed}
		}
	}

	return &Result{
		Output:         out,
		Handle:         schema.HandleOutput,
		ResolvedPrompt: resolvedPrompt,
	}, nil
}

// anyMap widens a typed map for the jq transformer, which expects plain
// JSON-shaped values.
func anyMap(m map[string]any) any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
