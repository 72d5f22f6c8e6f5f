package mcp

import (
	"context"
	"errors"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rskumar/orderflow/internal/engine"
	"github.com/rskumar/orderflow/internal/logging"
	"github.com/rskumar/orderflow/pkg/schema"
)

// NotificationMethod is the MCP method end-of-run notices are pushed with.
const NotificationMethod = "notifications/message"

// sender is the part of server.MCPServer the notifier needs.
type sender interface {
	SendNotificationToSpecificClient(sessionID string, method string, params map[string]any) error
}

// MCPNotifier pushes end-of-run notices to the session that triggered the
// execution. The execution is taken from the publish context. The engine is
// built before the MCP server, so the server is attached afterwards; until
// then Publish is a no-op.
type MCPNotifier struct {
	mu        sync.RWMutex
	mcpServer sender
	sessions  *SessionRegistry
}

var _ engine.Notifier = (*MCPNotifier)(nil)

// NewMCPNotifier creates a notifier over sessions.
func NewMCPNotifier(sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{sessions: sessions}
}

// Attach sets the server notices are pushed through.
func (n *MCPNotifier) Attach(s *OrderflowServer) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.mcpServer = s.MCPServer()
}

// Publish sends the notice to the triggering session.
// Best-effort: returns nil if that session is not connected.
func (n *MCPNotifier) Publish(ctx context.Context, channel schema.Channel, subject, message string) error {
	n.mu.RLock()
	mcpServer := n.mcpServer
	n.mu.RUnlock()

	executionID := logging.ExecutionID(ctx)
	if executionID == "" || mcpServer == nil {
		return nil
	}
	sessionID, ok := n.sessions.SessionFor(executionID)
	if !ok {
		return nil // triggered elsewhere or session gone
	}
	n.sessions.Forget(executionID)

	level := "info"
	if channel == schema.ChannelFailure {
		level = "error"
	}
	err := mcpServer.SendNotificationToSpecificClient(sessionID, NotificationMethod, map[string]any{
		"level":  level,
		"logger": "orderflow",
		"data": map[string]any{
			"execution_id": executionID,
			"run_id":       logging.RunID(ctx),
			"channel":      string(channel),
			"subject":      subject,
			"message":      message,
		},
	})
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session closed between lookup and send.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}
