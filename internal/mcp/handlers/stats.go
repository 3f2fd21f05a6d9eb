package handlers

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/taskpulse/internal/realtime"
)

// ConnectionStats returns a handler reporting live connections per registry.
func ConnectionStats(streams, sockets realtime.Registry) server.ToolHandlerFunc {
	return func(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text := fmt.Sprintf("Task streams: %d open (%d users)\nNotification sockets: %d open (%d users)\n",
			streams.Len(), streams.Users(), sockets.Len(), sockets.Users())
		return mcp.NewToolResultText(text), nil
	}
}
