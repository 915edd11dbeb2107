package handlers

import (
	"context"

	"github.com/venueos/mailflow/pkg/schema"
)

// TriggerHandler handles the entry node. The trigger payload is already
// seeded into the variable bag at start; dispatching the trigger is a no-op
// that hands control to its successor.
type TriggerHandler struct{}

func NewTriggerHandler() *TriggerHandler { return &TriggerHandler{} }

func (h *TriggerHandler) Type() schema.NodeType { return schema.NodeTypeTrigger }

func (h *TriggerHandler) Execute(ctx context.Context, req *Request) (*Result, error) {
	return &Result{Handle: schema.HandleOutput}, nil
}
