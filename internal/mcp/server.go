package mcp

import (
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/taskpulse/internal/mcp/handlers"
	"github.com/btouchard/taskpulse/internal/realtime"
	"github.com/btouchard/taskpulse/internal/task"
)

// Deps holds shared dependencies injected into MCP handlers.
type Deps struct {
	Notifier      handlers.Notifier
	Notifications handlers.NotificationReader
	Emitter       *task.Emitter
	Streams       realtime.Registry
	Sockets       realtime.Registry
	RecentLimit   int
	Version       string
}

// NewServer creates and configures the MCP server with all tools registered.
func NewServer(deps *Deps) *server.MCPServer {
	s := server.NewMCPServer(
		"Taskpulse",
		deps.Version,
		server.WithToolCapabilities(true),
		server.WithLogging(),
	)

	registerTools(s, deps)

	return s
}
