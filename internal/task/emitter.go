// Package task is the mutation side of the realtime core. Task and comment
// handlers call the Emitter after their write commits; it fans the change out
// on the task stream and notifies the affected user.
package task

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/btouchard/taskpulse/internal/realtime"
	"github.com/btouchard/taskpulse/internal/store"
)

// Publisher is the part of the realtime broadcaster the emitter needs.
type Publisher interface {
	BroadcastTaskEvent(ev realtime.DomainEvent) (int, error)
	NotifyUser(ctx context.Context, userID, message string, link *string) (*store.Notification, error)
}

// Emitter turns committed task mutations into realtime events. It runs in
// the server process, so it publishes directly without an internal token.
type Emitter struct {
	pub Publisher
}

// NewEmitter creates an Emitter publishing through pub.
func NewEmitter(pub Publisher) *Emitter {
	return &Emitter{pub: pub}
}

// TaskCreated broadcasts task_created with actorID as the origin.
func (e *Emitter) TaskCreated(actorID string, t Task) {
	e.broadcast(realtime.KindTaskCreated, actorID, t)
}

// TaskUpdated broadcasts task_updated. When the assignee changed to a new
// user it also runs TaskAssigned, whose notification error is returned.
func (e *Emitter) TaskUpdated(ctx context.Context, actorID string, before, after Task) error {
	e.broadcast(realtime.KindTaskUpdated, actorID, after)

	if a := after.Assignee(); a != "" && a != before.Assignee() {
		return e.TaskAssigned(ctx, actorID, after)
	}
	return nil
}

// TaskDeleted broadcasts task_deleted carrying only the id and title.
func (e *Emitter) TaskDeleted(actorID string, t Task) {
	e.broadcast(realtime.KindTaskDeleted, actorID, Ref{ID: t.ID, Title: t.Title})
}

// TaskAssigned broadcasts task_assigned and notifies the assignee, unless
// the actor assigned the task to themselves.
func (e *Emitter) TaskAssigned(ctx context.Context, actorID string, t Task) error {
	e.broadcast(realtime.KindTaskAssigned, actorID, t)

	assignee := t.Assignee()
	if assignee == "" || assignee == actorID {
		return nil
	}
	msg := fmt.Sprintf("You were assigned task %d: %s", t.ID, t.Title)
	return e.notify(ctx, assignee, msg, t.Link())
}

// CommentAdded broadcasts comment_added and notifies the task assignee when
// someone else commented.
func (e *Emitter) CommentAdded(ctx context.Context, c Comment, t Task) error {
	if c.TaskID != 0 && c.TaskID != t.ID {
		return fmt.Errorf("comment %d belongs to task %d, not %d", c.ID, c.TaskID, t.ID)
	}
	e.broadcast(realtime.KindCommentAdded, c.UserID, commentPayload{Comment: c, Task: t.Ref()})

	assignee := t.Assignee()
	if assignee == "" || assignee == c.UserID {
		return nil
	}
	msg := fmt.Sprintf("New comment on task %d: %s", t.ID, t.Title)
	return e.notify(ctx, assignee, msg, t.Link())
}

// broadcast is fire-and-forget: a task event nobody receives is recovered by
// clients re-fetching state, so failures are only logged.
func (e *Emitter) broadcast(kind realtime.Kind, actorID string, payload any) {
	ev, err := realtime.NewEvent(kind, payload, actorID)
	if err == nil {
		_, err = e.pub.BroadcastTaskEvent(ev)
	}
	if err != nil {
		slog.Warn("failed to broadcast task event", "kind", kind, "actor", actorID, "error", err)
	}
}

func (e *Emitter) notify(ctx context.Context, userID, message, link string) error {
	if _, err := e.pub.NotifyUser(ctx, userID, message, &link); err != nil {
		return fmt.Errorf("notifying %s: %w", userID, err)
	}
	return nil
}
