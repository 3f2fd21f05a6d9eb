package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/taskpulse/internal/realtime"
	"github.com/btouchard/taskpulse/internal/store"
)

// Notifier persists and pushes a user notification.
type Notifier interface {
	NotifyUser(ctx context.Context, userID, message string, link *string) (*store.Notification, error)
}

// NotificationReader reads a user's notification log.
type NotificationReader interface {
	RecentNotifications(ctx context.Context, userID string, limit int) ([]store.Notification, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
}

// NotifyUser returns a handler that stores a notification for a user and
// pushes it to their live sockets.
func NotifyUser(n Notifier) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()

		userID, _ := args["user_id"].(string)
		message, _ := args["message"].(string)
		if strings.TrimSpace(userID) == "" {
			return mcp.NewToolResultError("user_id is required"), nil
		}
		if strings.TrimSpace(message) == "" {
			return mcp.NewToolResultError("message is required"), nil
		}

		var link *string
		if l, ok := args["link"].(string); ok && l != "" {
			link = &l
		}

		note, err := n.NotifyUser(ctx, userID, message, link)
		if err != nil {
			if errors.Is(err, realtime.ErrPersistence) {
				return mcp.NewToolResultError(fmt.Sprintf("Notification not stored, nothing was sent: %s", err)), nil
			}
			return mcp.NewToolResultError(fmt.Sprintf("Notification rejected: %s", err)), nil
		}

		return mcp.NewToolResultText(fmt.Sprintf("Notification %s stored for %s and pushed to live sockets.", note.ID, note.UserID)), nil
	}
}

// RecentNotifications returns a handler listing a user's newest notifications.
func RecentNotifications(r NotificationReader, defaultLimit int) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()

		userID, _ := args["user_id"].(string)
		if strings.TrimSpace(userID) == "" {
			return mcp.NewToolResultError("user_id is required"), nil
		}

		limit := defaultLimit
		if l, ok := args["limit"].(float64); ok && l > 0 {
			limit = min(int(l), 100)
		}

		ns, err := r.RecentNotifications(ctx, userID, limit)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to read notifications: %s", err)), nil
		}
		unread, err := r.UnreadCount(ctx, userID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to count unread notifications: %s", err)), nil
		}

		if len(ns) == 0 {
			return mcp.NewToolResultText(fmt.Sprintf("No notifications for %s.", userID)), nil
		}

		var sb strings.Builder
		fmt.Fprintf(&sb, "Notifications for %s (%d shown, %d unread)\n\n", userID, len(ns), unread)
		for _, n := range ns {
			mark := " "
			if !n.IsRead {
				mark = "*"
			}
			fmt.Fprintf(&sb, "%s %s  %s  %s\n", mark, n.CreatedAt.Format("2006-01-02 15:04:05"), n.ID, n.Message)
			if n.Link != nil {
				fmt.Fprintf(&sb, "    -> %s\n", *n.Link)
			}
		}
		return mcp.NewToolResultText(sb.String()), nil
	}
}
