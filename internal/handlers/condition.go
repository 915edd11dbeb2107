package handlers

import (
	"context"

	"github.com/venueos/mailflow/internal/expressions"
	"github.com/venueos/mailflow/pkg/schema"
)

// ConditionHandler evaluates a boolean expression against the run variables
// and selects the positive or negative outgoing edge. Condition evaluation
// is pure and never retried.
type ConditionHandler struct {
	engines  map[string]expressions.Engine
	fallback expressions.Engine
}

// NewConditionHandler creates a handler backed by the given engines. The
// first engine is the default when a node config names none.
func NewConditionHandler(engines ...expressions.Engine) *ConditionHandler {
	h := &ConditionHandler{engines: make(map[string]expressions.Engine, len(engines))}
	for i, eng := range engines {
		h.engines[eng.Name()] = eng
		if i == 0 {
			h.fallback = eng
		}
	}
	return h
}

func (h *ConditionHandler) Type() schema.NodeType { return schema.NodeTypeCondition }

func (h *ConditionHandler) Execute(ctx context.Context, req *Request) (*Result, error) {
	cfg := req.Config.Condition
	if cfg == nil || cfg.Expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "condition node has no expression").WithNode(req.Node.ID)
	}

	eng := h.fallback
	if cfg.Engine != "" {
		named, ok := h.engines[cfg.Engine]
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown expression engine %q", cfg.Engine).WithNode(req.Node.ID)
		}
		eng = named
	}
	if eng == nil {
		return nil, schema.NewError(schema.ErrCodeExecution, "no expression engine configured").WithNode(req.Node.ID)
	}

	val, err := eng.Evaluate(ctx, cfg.Expression, req.Variables)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "evaluate condition: %s", err.Error()).
			WithNode(req.Node.ID).WithCause(err)
	}

	result := truthy(val)
	handle := schema.HandleNegativeOutput
	if result {
		handle = schema.HandlePositiveOutput
	}

	return &Result{
		Output: map[string]any{"result": result, "expression": cfg.Expression},
		Handle: handle,
	}, nil
}

// truthy converts an expression result to a branch decision. Non-boolean
// results follow the usual emptiness rules.
func truthy(val any) bool {
	switch v := val.(type) {
	case bool:
		return v
	case nil:
		return false
	case string:
		return v != "" && v != "false" && v != "0"
	case int:
		return v != 0
	case int64:
		return v != 0
	case uint64:
		return v != 0
	case float64:
		return v != 0
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	default:
		return true
	}
}
