package handlers

import (
	"context"

	"github.com/venueos/mailflow/internal/expressions"
	"github.com/venueos/mailflow/internal/guardrail"
	"github.com/venueos/mailflow/internal/store"
	"github.com/venueos/mailflow/pkg/schema"
)

// DefaultContentVar is the variable path evaluated when a guardrail node
// names no content_var of its own.
const DefaultContentVar = "email.body"

// GuardrailSource loads tenant-scoped guardrail definitions. Satisfied by
// store.Store.
type GuardrailSource interface {
	ListGuardrails(ctx context.Context, filter store.GuardrailFilter) ([]*store.GuardrailRecord, error)
}

// GuardrailHandler gates the run through the tenant's configured guardrails.
// A violation is a designed control-flow outcome, not an error: the negative
// edge is taken (or the run ends successfully with the block payload).
type GuardrailHandler struct {
	source    GuardrailSource
	evaluator *guardrail.Evaluator
}

func NewGuardrailHandler(source GuardrailSource, evaluator *guardrail.Evaluator) *GuardrailHandler {
	return &GuardrailHandler{source: source, evaluator: evaluator}
}

func (h *GuardrailHandler) Type() schema.NodeType { return schema.NodeTypeGuardrail }

func (h *GuardrailHandler) Execute(ctx context.Context, req *Request) (*Result, error) {
	cfg := req.Config.Guardrail
	if cfg == nil || cfg.Category == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "guardrail node has no category").WithNode(req.Node.ID)
	}

	enabled := true
	records, err := h.source.ListGuardrails(ctx, store.GuardrailFilter{
		OrganizationID: req.OrganizationID,
		Category:       cfg.Category,
		Names:          cfg.Guardrails,
		Enabled:        &enabled,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "load guardrails: %s", err.Error()).
			WithNode(req.Node.ID).WithCause(err)
	}

	defs := make([]schema.GuardrailDefinition, 0, len(records))
	for _, r := range records {
		defs = append(defs, schema.GuardrailDefinition{
			Name:       r.Name,
			Category:   r.Category,
			Prompt:     r.Prompt,
			Threshold:  r.Threshold,
			FolderPath: r.FolderPath,
			MarkAsSeen: r.MarkAsSeen,
		})
	}

	contentVar := cfg.ContentVar
	if contentVar == "" {
		contentVar = DefaultContentVar
	}
	content := ""
	if val, ok := expressions.Lookup(req.Variables, contentVar); ok {
		if s, isStr := val.(string); isStr {
			content = s
		}
	}

	outcome, err := h.evaluator.Evaluate(ctx, defs, content, req.Variables)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "evaluate guardrails: %s", err.Error()).
			WithNode(req.Node.ID).WithCause(err)
	}

	output := map[string]any{
		"continue": outcome.Continue,
		"results":  outcome.Results,
	}
	res := &Result{Output: output, Handle: schema.HandlePositiveOutput}
	if !outcome.Continue {
		res.Handle = schema.HandleNegativeOutput
		res.Violation = outcome.Violation
		output["violation"] = outcome.Violation
	}
	return res, nil
}
