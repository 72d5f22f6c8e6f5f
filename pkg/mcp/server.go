package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rskumar/orderflow/internal/api"
	"github.com/rskumar/orderflow/internal/monitor"
)

// OrderflowServerDeps holds the dependencies for creating an OrderflowServer.
type OrderflowServerDeps struct {
	Engine   api.Executions
	Inputs   api.InputChecker
	Results  api.ResultResolver
	Sessions *SessionRegistry
	Logger   *slog.Logger

	// WatchInterval is the poll period of a trigger that waits for the end
	// of its execution.
	WatchInterval time.Duration
}

// OrderflowServer wraps an MCP server with the execution tool handlers.
type OrderflowServer struct {
	engine        api.Executions
	inputs        api.InputChecker
	results       api.ResultResolver
	sessions      *SessionRegistry
	watchInterval time.Duration
	logger        *slog.Logger
	mcpServer     *server.MCPServer
}

// NewOrderflowServer creates a new OrderflowServer with all tools registered.
func NewOrderflowServer(deps OrderflowServerDeps) *OrderflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = NewSessionRegistry()
	}
	interval := deps.WatchInterval
	if interval <= 0 {
		interval = monitor.DefaultInterval
	}

	s := &OrderflowServer{
		engine:        deps.Engine,
		inputs:        deps.Inputs,
		results:       deps.Results,
		sessions:      sessions,
		watchInterval: interval,
		logger:        logger,
	}

	hooks := &server.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		sessions.Remove(session.SessionID())
	})

	mcpSrv := server.NewMCPServer(
		"orderflow",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(hooks),
		server.WithInstructions("Orderflow joins an orders file with a returns file through a batch job. Use orderflow.trigger to start a run, orderflow.describe and orderflow.history to follow it, orderflow.resolve to read the latest joined table, orderflow.abort to stop a run and orderflow.list to browse runs."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *OrderflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// HTTPHandler returns the streamable HTTP transport, for mounting next to
// the REST routes.
func (s *OrderflowServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *OrderflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Sessions returns the execution to session registry used for pushes.
func (s *OrderflowServer) Sessions() *SessionRegistry {
	return s.sessions
}

func (s *OrderflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: triggerTool(), Handler: s.handleTrigger},
		{Tool: describeTool(), Handler: s.handleDescribe},
		{Tool: historyTool(), Handler: s.handleHistory},
		{Tool: resolveTool(), Handler: s.handleResolve},
		{Tool: abortTool(), Handler: s.handleAbort},
		{Tool: listTool(), Handler: s.handleList},
	}
}

// --- Tool definitions ---

func triggerTool() mcp.Tool {
	return mcp.NewTool("orderflow.trigger",
		mcp.WithDescription("Start a join of an orders file with a returns file"),
		mcp.WithString("orders_s3_key", mcp.Required(), mcp.Description("Key of the orders CSV in the orders container")),
		mcp.WithString("returns_s3_key", mcp.Required(), mcp.Description("Key of the returns CSV in the returns container")),
		mcp.WithBoolean("wait", mcp.Description("Block until the execution ends and return its progress trail")),
		mcp.WithNumber("timeout_seconds", mcp.Description("Give up waiting after this many seconds (default: 900)")),
	)
}

func describeTool() mcp.Tool {
	return mcp.NewTool("orderflow.describe",
		mcp.WithDescription("Get the status of an execution"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID returned by orderflow.trigger")),
	)
}

func historyTool() mcp.Tool {
	return mcp.NewTool("orderflow.history",
		mcp.WithDescription("Get the history of an execution as events or as a progress trail"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID returned by orderflow.trigger")),
		mcp.WithNumber("since", mcp.Description("Only events with a greater sequence number")),
		mcp.WithString("format",
			mcp.Enum("events", "trail"),
			mcp.Description("events (default) or trail"),
		),
	)
}

func resolveTool() mcp.Tool {
	return mcp.NewTool("orderflow.resolve",
		mcp.WithDescription("Read the latest joined orders and returns table"),
		mcp.WithString("source", mcp.Required(),
			mcp.Enum("object_store", "relational"),
			mcp.Description("Where to read the joined table from"),
		),
		mcp.WithNumber("limit", mcp.Description("Maximum rows to return (default: 100)")),
	)
}

func abortTool() mcp.Tool {
	return mcp.NewTool("orderflow.abort",
		mcp.WithDescription("Stop a running execution without notifying"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution to stop")),
		mcp.WithString("reason", mcp.Description("Recorded as the abort cause")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("orderflow.list",
		mcp.WithDescription("List executions, newest first"),
		mcp.WithString("status",
			mcp.Enum("RUNNING", "SUCCEEDED", "FAILED", "TIMED_OUT", "ABORTED"),
			mcp.Description("Only executions with this status"),
		),
		mcp.WithNumber("limit", mcp.Description("Maximum executions to return (default: 20)")),
	)
}
