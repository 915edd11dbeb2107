package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/venueos/mailflow/internal/engine"
	"github.com/venueos/mailflow/internal/store"
	"github.com/venueos/mailflow/internal/streaming"
)

// MailflowServerDeps holds the dependencies for creating a MailflowServer.
type MailflowServerDeps struct {
	Executor engine.Executor
	Store    store.Store
	Hub      streaming.EventHub
	Logger   *slog.Logger
}

// MailflowServer wraps an MCP server with mailflow-specific tool handlers.
type MailflowServer struct {
	executor  engine.Executor
	store     store.Store
	hub       streaming.EventHub
	logger    *slog.Logger
	sessions  *SessionRegistry
	mcpServer *server.MCPServer
}

// NewMailflowServer creates a new MailflowServer with all 5 tools registered.
func NewMailflowServer(deps MailflowServerDeps) *MailflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &MailflowServer{
		executor: deps.Executor,
		store:    deps.Store,
		hub:      deps.Hub,
		logger:   logger,
		sessions: NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"mailflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Mailflow is a multi-tenant workflow engine for AI-assisted email pipelines. Use mailflow.run to execute a workflow template, mailflow.status to inspect a run, mailflow.cancel to stop one, mailflow.rerun to replay a run with pinned step outputs, and mailflow.query to list executions/events/templates/venues/guardrails."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *MailflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *MailflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// tools returns the 5 registered MCP tools as ServerTool entries.
func (s *MailflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: rerunTool(), Handler: s.handleRerun},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("mailflow.run",
		mcp.WithDescription("Execute a workflow template against a trigger payload"),
		mcp.WithString("template_id", mcp.Required(), mcp.Description("ID of the workflow template to execute")),
		mcp.WithString("organization_id", mcp.Required(), mcp.Description("Tenant that owns the template")),
		mcp.WithString("venue_id", mcp.Description("Venue the run is scoped to")),
		mcp.WithObject("trigger", mcp.Description("Trigger payload, e.g. the inbound email")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("mailflow.status",
		mcp.WithDescription("Get the current state of an execution, including its steps"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to query")),
		mcp.WithString("include_events", mcp.Description("Include the execution's event log (default: false)")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("mailflow.cancel",
		mcp.WithDescription("Cancel a running execution. Cancelling an already-cancelled run is a no-op"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to cancel")),
		mcp.WithString("reason", mcp.Description("Human-readable cancellation reason")),
	)
}

func rerunTool() mcp.Tool {
	return mcp.NewTool("mailflow.rerun",
		mcp.WithDescription("Start a fresh execution reusing a prior run's trigger, optionally pinning step outputs so those steps are not re-dispatched"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to replay")),
		mcp.WithArray("pins", mcp.Description("Step pins: objects with node_id|step_name|step_order and output_data")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("mailflow.query",
		mcp.WithDescription("Query executions, events, templates, venues, or guardrails"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("executions", "events", "templates", "venues", "guardrails"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, organization_id, venue_id, since, limit, event_type, execution_id, name, category)")),
	)
}
