package mcp

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/scheduler"
	"github.com/rendis/nodeflow/internal/store"
	"github.com/rendis/nodeflow/internal/streaming"
	"github.com/rendis/nodeflow/pkg/schema"
)

// GraphValidator checks a workflow graph before it is stored or run.
// Satisfied by *validation.WorkflowValidator.
type GraphValidator interface {
	Validate(g schema.WorkflowGraph) *schema.GraphResult
}

// ScheduleManager is the scheduler surface exposed over MCP.
// Satisfied by *scheduler.Scheduler.
type ScheduleManager interface {
	Create(ctx context.Context, req scheduler.CreateScheduleRequest) (*store.ScheduledWorkflow, error)
	Update(ctx context.Context, id string, req scheduler.UpdateScheduleRequest) (*store.ScheduledWorkflow, error)
	Pause(ctx context.Context, id string) (*store.ScheduledWorkflow, error)
	Resume(ctx context.Context, id string) (*store.ScheduledWorkflow, error)
	Delete(ctx context.Context, id string) error
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Engine    engine.Engine
	Store     store.Store
	Validator GraphValidator
	Scheduler ScheduleManager
	// Hub enables execution status notifications for start calls with watch=true.
	Hub    streaming.EventHub
	Logger *slog.Logger
	// WatchTimeout bounds how long a watched execution is followed. Defaults to 30m.
	WatchTimeout time.Duration
}

// Server wraps an MCP server with nodeflow tool handlers.
type Server struct {
	engine       engine.Engine
	store        store.Store
	validator    GraphValidator
	scheduler    ScheduleManager
	hub          streaming.EventHub
	logger       *slog.Logger
	sessions     *SessionRegistry
	notifier     Notifier
	watchTimeout time.Duration
	mcpServer    *server.MCPServer
}

// NewServer creates a Server with every nodeflow tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	watchTimeout := deps.WatchTimeout
	if watchTimeout <= 0 {
		watchTimeout = 30 * time.Minute
	}

	s := &Server{
		engine:       deps.Engine,
		store:        deps.Store,
		validator:    deps.Validator,
		scheduler:    deps.Scheduler,
		hub:          deps.Hub,
		logger:       logger,
		sessions:     NewSessionRegistry(),
		watchTimeout: watchTimeout,
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(ctx context.Context, session server.ClientSession) {
		if n := s.sessions.Remove(session.SessionID()); n > 0 {
			s.logger.DebugContext(ctx, "mcp session closed with active watches",
				slog.String("session_id", session.SessionID()), slog.Int("watches", n))
		}
	})

	mcpSrv := server.NewMCPServer(
		"nodeflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Nodeflow runs node-graph workflows. Use nodeflow.define to store a workflow, nodeflow.validate to check a graph, nodeflow.start to run it, nodeflow.status and nodeflow.cancel to follow or stop an execution, nodeflow.schedule to manage cron schedules, and nodeflow.query to list workflows, executions, schedules or logs."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewSessionNotifier(mcpSrv, s.sessions)
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: scheduleTool(), Handler: s.handleSchedule},
		{Tool: queryTool(), Handler: s.handleQuery},
	}
}

// --- Tool definitions ---

func defineTool() mcp.Tool {
	return mcp.NewTool("nodeflow.define",
		mcp.WithDescription("Validate and store a workflow graph"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Workflow name")),
		mcp.WithArray("nodes", mcp.Required(), mcp.Description("Nodes: objects with id, name, type, enabled, parameters")),
		mcp.WithArray("connections", mcp.Description("Connections: objects with source_node_id, target_node_id, condition")),
		mcp.WithBoolean("active", mcp.Description("Whether the workflow is active (default: true)")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("nodeflow.validate",
		mcp.WithDescription("Validate a workflow graph without running it"),
		mcp.WithString("workflow_id", mcp.Description("Validate a stored workflow")),
		mcp.WithArray("nodes", mcp.Description("Nodes of an inline graph")),
		mcp.WithArray("connections", mcp.Description("Connections of an inline graph")),
	)
}

func startTool() mcp.Tool {
	return mcp.NewTool("nodeflow.start",
		mcp.WithDescription("Start an execution of a stored workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to run")),
		mcp.WithObject("input", mcp.Description("Input data for the first node")),
		mcp.WithString("mode",
			mcp.Enum(string(schema.ExecutionModeManual), string(schema.ExecutionModeWebhook), string(schema.ExecutionModeTest)),
			mcp.Description("Execution mode (default: manual)"),
		),
		mcp.WithString("user_id", mcp.Description("ID of the user starting the execution")),
		mcp.WithBoolean("watch", mcp.Description("Push status notifications for this execution to the calling session")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("nodeflow.status",
		mcp.WithDescription("Get execution status, node runs and logs"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("nodeflow.cancel",
		mcp.WithDescription("Cancel a pending or running execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithString("user_id", mcp.Description("ID of the user cancelling the execution")),
	)
}

func scheduleTool() mcp.Tool {
	return mcp.NewTool("nodeflow.schedule",
		mcp.WithDescription("Create, update, pause, resume or delete a cron schedule"),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("create", "update", "pause", "resume", "delete"),
			mcp.Description("Schedule operation"),
		),
		mcp.WithString("schedule_id", mcp.Description("Target schedule (all actions except create)")),
		mcp.WithString("workflow_id", mcp.Description("Workflow to schedule (create)")),
		mcp.WithString("cron_expression", mcp.Description("5-field cron expression (create, update)")),
		mcp.WithString("timezone", mcp.Description("IANA timezone (default: UTC)")),
		mcp.WithObject("input", mcp.Description("Input data passed to every scheduled execution")),
		mcp.WithBoolean("paused", mcp.Description("Create the schedule paused")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("nodeflow.query",
		mcp.WithDescription("Query workflows, executions, schedules, or execution logs"),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "executions", "schedules", "logs"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (workflow_id, execution_id, status, mode, active, since, since_sequence, limit, offset)")),
	)
}
