package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
)

// TenantNotifier pushes notifications to connected tenants.
type TenantNotifier interface {
	Notify(ctx context.Context, orgID string, payload map[string]any) error
}

// MCPNotifier implements TenantNotifier using MCP SSE push.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes via MCP SSE.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the organization's SSE session.
// Best-effort: returns nil if the organization is not connected.
func (n *MCPNotifier) Notify(_ context.Context, orgID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(orgID)
	if !ok {
		return nil // tenant not connected, best-effort
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send — not an error.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}
