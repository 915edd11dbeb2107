package handlers

import (
	"context"

	"github.com/venueos/mailflow/internal/expressions"
	"github.com/venueos/mailflow/pkg/schema"
)

// Mailbox is the port to the tenant's mail store. Moving the triggering
// email is the only operation the engine needs.
type Mailbox interface {
	MoveEmail(ctx context.Context, venueID, messageID, folderPath string, markAsSeen bool) error
}

// MailboxFunc adapts a function to the Mailbox interface.
type MailboxFunc func(ctx context.Context, venueID, messageID, folderPath string, markAsSeen bool) error

func (f MailboxFunc) MoveEmail(ctx context.Context, venueID, messageID, folderPath string, markAsSeen bool) error {
	return f(ctx, venueID, messageID, folderPath, markAsSeen)
}

// MoveHandler files the triggering email into a folder. Move nodes are
// terminal: the walk ends when one completes.
type MoveHandler struct {
	mailbox Mailbox
}

func NewMoveHandler(mailbox Mailbox) *MoveHandler {
	return &MoveHandler{mailbox: mailbox}
}

func (h *MoveHandler) Type() schema.NodeType { return schema.NodeTypeMove }

func (h *MoveHandler) Execute(ctx context.Context, req *Request) (*Result, error) {
	cfg := req.Config.Move
	if cfg == nil || cfg.FolderPath == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "move node has no folder_path").WithNode(req.Node.ID)
	}

	folderPath := expressions.ResolveString(cfg.FolderPath, req.Variables)

	messageID := ""
	if val, ok := expressions.Lookup(req.Variables, "email.message_id"); ok {
		if s, isStr := val.(string); isStr {
			messageID = s
		}
	}

	if h.mailbox != nil {
		if err := h.mailbox.MoveEmail(ctx, req.VenueID, messageID, folderPath, cfg.MarkAsSeen); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "move email to %q: %s", folderPath, err.Error()).
				WithNode(req.Node.ID).WithCause(err)
		}
	}

	return &Result{
		Output: map[string]any{
			"moved":        true,
			"folder_path":  folderPath,
			"mark_as_seen": cfg.MarkAsSeen,
		},
		Handle:   schema.HandleOutput,
		Terminal: true,
	}, nil
}
