package handlers

import (
	"context"

	"github.com/venueos/mailflow/pkg/schema"
)

// ExitHandler terminates the walk successfully.
type ExitHandler struct{}

func NewExitHandler() *ExitHandler { return &ExitHandler{} }

func (h *ExitHandler) Type() schema.NodeType { return schema.NodeTypeExit }

func (h *ExitHandler) Execute(ctx context.Context, req *Request) (*Result, error) {
	out := map[string]any{"exited": true}
	if cfg := req.Config.Exit; cfg != nil && cfg.Reason != "" {
		out["reason"] = cfg.Reason
	}
	return &Result{Output: out, Terminal: true}, nil
}
