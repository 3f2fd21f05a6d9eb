package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/taskpulse/internal/mcp/handlers"
)

func registerTools(s *server.MCPServer, deps *Deps) {
	// notify_user: Store a notification and push it live
	s.AddTool(
		mcp.NewTool("notify_user",
			mcp.WithDescription("Store a notification for a user and push it to every socket they have open. The notification is durable: an offline user sees it on their next pull."),
			mcp.WithString("user_id",
				mcp.Required(),
				mcp.Description("Recipient user ID"),
			),
			mcp.WithString("message",
				mcp.Required(),
				mcp.Description("Notification text"),
			),
			mcp.WithString("link",
				mcp.Description("Optional in-app link, e.g. /tasks/42"),
			),
		),
		handlers.NotifyUser(deps.Notifier),
	)

	// broadcast_task_event: Publish a task mutation on the task stream
	s.AddTool(
		mcp.NewTool("broadcast_task_event",
			mcp.WithDescription("Publish a task mutation to every open task stream. task_assigned and comment_added also notify the affected user, as the task handlers do."),
			mcp.WithString("type",
				mcp.Required(),
				mcp.Description("Event kind"),
				mcp.Enum("task_created", "task_updated", "task_deleted", "task_assigned", "comment_added"),
			),
			mcp.WithObject("task",
				mcp.Required(),
				mcp.Description("Task row after the mutation: id, title, status, priority, assigned_to, created_by ..."),
			),
			mcp.WithString("actor",
				mcp.Description("User ID that performed the mutation. Omit for system events."),
			),
			mcp.WithString("previous_assignee",
				mcp.Description("task_updated only: assignee before the update, to detect a reassignment"),
			),
			mcp.WithObject("comment",
				mcp.Description("comment_added only: the new comment (id, task_id, user_id, comment)"),
			),
		),
		handlers.BroadcastTaskEvent(deps.Emitter),
	)

	// connection_stats: Live connection counts
	s.AddTool(
		mcp.NewTool("connection_stats",
			mcp.WithDescription("Show how many task streams and notification sockets are open on this server process."),
		),
		handlers.ConnectionStats(deps.Streams, deps.Sockets),
	)

	// recent_notifications: Read a user's notification log
	s.AddTool(
		mcp.NewTool("recent_notifications",
			mcp.WithDescription("List a user's most recent notifications, newest first, with the unread count."),
			mcp.WithString("user_id",
				mcp.Required(),
				mcp.Description("User ID"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum number of notifications (default: server recent_limit, max 100)"),
			),
		),
		handlers.RecentNotifications(deps.Notifications, deps.RecentLimit),
	)
}
