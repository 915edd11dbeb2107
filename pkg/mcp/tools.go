package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/venueos/mailflow/internal/engine"
	"github.com/venueos/mailflow/internal/store"
	"github.com/venueos/mailflow/pkg/schema"
)

// handleRun executes a workflow template against a trigger payload.
func (s *MailflowServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	templateID, err := req.RequireString("template_id")
	if err != nil {
		return mcp.NewToolResultError("template_id is required"), nil
	}
	orgID, err := req.RequireString("organization_id")
	if err != nil {
		return mcp.NewToolResultError("organization_id is required"), nil
	}
	venueID := req.GetString("venue_id", "")
	trigger := mcp.ParseStringMap(req, "trigger", nil)

	// Capture session mapping for notifications.
	s.captureSession(ctx, orgID)

	tpl, tplErr := s.store.GetTemplate(ctx, templateID)
	if tplErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("template lookup failed: %v", tplErr)), nil
	}
	if tpl.OrganizationID != orgID {
		return mcp.NewToolResultError(fmt.Sprintf("template %s does not belong to organization %s", templateID, orgID)), nil
	}
	if !tpl.Enabled {
		return mcp.NewToolResultError(fmt.Sprintf("template %s is disabled", templateID)), nil
	}

	result, runErr := s.executor.Start(ctx, &tpl.Definition, trigger, engine.StartOptions{
		OrganizationID: orgID,
		VenueID:        venueID,
	})
	if runErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("execution failed: %v", runErr)), nil
	}

	return marshalResult(result)
}

// handleStatus returns the current state of an execution.
func (s *MailflowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	snapshot, statusErr := s.executor.Status(ctx, executionID)
	if statusErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", statusErr)), nil
	}

	if req.GetString("include_events", "false") != "true" {
		snapshot.Events = nil
	}
	return marshalResult(snapshot)
}

// handleCancel cancels a running execution.
func (s *MailflowServer) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	reason := req.GetString("reason", "cancelled via mcp")

	if cancelErr := s.executor.Cancel(ctx, executionID, reason); cancelErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("cancel failed: %v", cancelErr)), nil
	}

	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": executionID,
	})
}

// handleRerun replays a prior execution with optional pinned step outputs.
func (s *MailflowServer) handleRerun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}

	var pins []engine.StepPin
	if raw, ok := req.GetArguments()["pins"]; ok && raw != nil {
		data, marshalErr := json.Marshal(raw)
		if marshalErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid pins: %v", marshalErr)), nil
		}
		if unmarshalErr := json.Unmarshal(data, &pins); unmarshalErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid pins: %v", unmarshalErr)), nil
		}
	}

	result, rerunErr := s.executor.Rerun(ctx, executionID, pins)
	if rerunErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("rerun failed: %v", rerunErr)), nil
	}

	return marshalResult(result)
}

// handleQuery lists executions, events, templates, venues, or guardrails.
func (s *MailflowServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}

	filter := mcp.ParseStringMap(req, "filter", nil)

	switch resource {
	case "executions":
		return s.queryExecutions(ctx, filter)
	case "events":
		return s.queryEvents(ctx, filter)
	case "templates":
		return s.queryTemplates(ctx, filter)
	case "venues":
		return s.queryVenues(ctx, filter)
	case "guardrails":
		return s.queryGuardrails(ctx, filter)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
}

// --- Query helpers ---

func (s *MailflowServer) queryExecutions(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.ExecutionFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if status, ok := filter["status"].(string); ok && status != "" {
		es := schema.ExecutionStatus(status)
		ef.Status = &es
	}
	if orgID, ok := filter["organization_id"].(string); ok {
		ef.OrganizationID = orgID
	}
	if venueID, ok := filter["venue_id"].(string); ok {
		ef.VenueID = venueID
	}
	if tplID, ok := filter["template_id"].(string); ok {
		ef.TemplateID = tplID
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			ef.Since = &t
		}
	}

	executions, err := s.store.ListExecutions(ctx, ef)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"executions": executions})
}

func (s *MailflowServer) queryEvents(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	ef := store.EventFilter{
		Limit: extractInt(filter, "limit", 100),
	}
	if execID, ok := filter["execution_id"].(string); ok {
		ef.ExecutionID = execID
	}
	if nodeID, ok := filter["node_id"].(string); ok {
		ef.NodeID = nodeID
	}
	if eventType, ok := filter["event_type"].(string); ok {
		ef.EventType = eventType
	}
	if since, ok := filter["since"].(string); ok && since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			ef.Since = &t
		}
	}

	if ef.EventType != "" {
		events, err := s.store.GetEventsByType(ctx, ef.EventType, ef)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"events": events})
	}

	// No event type filter — use GetEvents (requires execution_id).
	if ef.ExecutionID == "" {
		return mcp.NewToolResultError("event query requires either 'event_type' or 'execution_id' in filter"), nil
	}
	events, err := s.store.GetEvents(ctx, ef.ExecutionID, 0)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"events": events})
}

func (s *MailflowServer) queryTemplates(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	tf := store.TemplateFilter{
		Limit: extractInt(filter, "limit", 50),
	}
	if name, ok := filter["name"].(string); ok {
		tf.Name = name
	}
	if orgID, ok := filter["organization_id"].(string); ok {
		tf.OrganizationID = orgID
	}
	if enabled, ok := filter["enabled"].(bool); ok {
		tf.Enabled = &enabled
	}

	templates, err := s.store.ListTemplates(ctx, tf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"templates": templates})
}

func (s *MailflowServer) queryVenues(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	orgID, _ := filter["organization_id"].(string)
	if orgID == "" {
		return mcp.NewToolResultError("venue query requires 'organization_id' in filter"), nil
	}

	venues, err := s.store.ListVenues(ctx, orgID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"venues": venues})
}

func (s *MailflowServer) queryGuardrails(ctx context.Context, filter map[string]any) (*mcp.CallToolResult, error) {
	gf := store.GuardrailFilter{}
	if orgID, ok := filter["organization_id"].(string); ok {
		gf.OrganizationID = orgID
	}
	if category, ok := filter["category"].(string); ok {
		gf.Category = category
	}
	if enabled, ok := filter["enabled"].(bool); ok {
		gf.Enabled = &enabled
	}

	guardrails, err := s.store.ListGuardrails(ctx, gf)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"guardrails": guardrails})
}

// --- Internal helpers ---

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

// captureSession maps the organization ID to its current MCP session for
// notifications.
func (s *MailflowServer) captureSession(ctx context.Context, orgID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(orgID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
