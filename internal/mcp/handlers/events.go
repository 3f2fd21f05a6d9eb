package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/btouchard/taskpulse/internal/realtime"
	"github.com/btouchard/taskpulse/internal/task"
)

// BroadcastTaskEvent returns a handler that publishes a task mutation the
// way a mutation handler would: assignments and comments also notify the
// affected user.
func BroadcastTaskEvent(e *task.Emitter) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := req.GetArguments()

		kind, _ := args["type"].(string)
		if !realtime.Kind(kind).Valid() {
			return mcp.NewToolResultError(fmt.Sprintf("type must be one of %v", realtime.Kinds)), nil
		}
		actor, _ := args["actor"].(string)

		var t task.Task
		if err := decodeArg(args, "task", &t); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if t.ID == 0 {
			return mcp.NewToolResultError("task.id is required"), nil
		}

		var err error
		switch realtime.Kind(kind) {
		case realtime.KindTaskCreated:
			e.TaskCreated(actor, t)
		case realtime.KindTaskDeleted:
			e.TaskDeleted(actor, t)
		case realtime.KindTaskUpdated:
			// Without previous_assignee the update is not an assignment; an
			// empty one means the task was unassigned before.
			before := t
			if prev, ok := args["previous_assignee"].(string); ok {
				before.AssignedTo = nil
				if prev != "" {
					before.AssignedTo = &prev
				}
			}
			err = e.TaskUpdated(ctx, actor, before, t)
		case realtime.KindTaskAssigned:
			err = e.TaskAssigned(ctx, actor, t)
		case realtime.KindCommentAdded:
			var c task.Comment
			if derr := decodeArg(args, "comment", &c); derr != nil {
				return mcp.NewToolResultError(derr.Error()), nil
			}
			if c.UserID == "" {
				c.UserID = actor
			}
			err = e.CommentAdded(ctx, c, t)
		}
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("%s published, but the follow-up failed: %s", kind, err)), nil
		}

		return mcp.NewToolResultText(fmt.Sprintf("Published %s for task %d (%s).", kind, t.ID, t.Title)), nil
	}
}

// decodeArg re-decodes an object argument into dst.
func decodeArg(args map[string]any, key string, dst any) error {
	v, ok := args[key]
	if !ok || v == nil {
		return fmt.Errorf("%s is required", key)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%s is malformed: %w", key, err)
	}
	return nil
}
