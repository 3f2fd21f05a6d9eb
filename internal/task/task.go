package task

import (
	"fmt"
	"time"
)

// Status represents the workflow state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
)

// Priority orders tasks on the board.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Weight returns the numeric weight for ordering (higher = first).
func (p Priority) Weight() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 2
	}
}

// Task is a read-only copy of a task row as the mutation handler saw it
// after its write. It is the payload of every task event.
type Task struct {
	ID          int64      `json:"id"`
	Title       string     `json:"title"`
	Description *string    `json:"description"`
	Status      Status     `json:"status"`
	Priority    Priority   `json:"priority"`
	DueDate     *time.Time `json:"due_date"`
	AssignedTo  *string    `json:"assigned_to"`
	CreatedBy   string     `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Assignee returns the assigned user id, or "" when unassigned.
func (t Task) Assignee() string {
	if t.AssignedTo == nil {
		return ""
	}
	return *t.AssignedTo
}

// Link is the in-app path of the task, used as a notification link.
func (t Task) Link() string {
	return fmt.Sprintf("/tasks/%d", t.ID)
}

// Ref is the reduced task shape carried by deletions and comments.
type Ref struct {
	ID         int64   `json:"id"`
	Title      string  `json:"title"`
	AssignedTo *string `json:"assigned_to,omitempty"`
	CreatedBy  string  `json:"created_by,omitempty"`
}

// Ref returns the reduced shape of t.
func (t Task) Ref() Ref {
	return Ref{ID: t.ID, Title: t.Title, AssignedTo: t.AssignedTo, CreatedBy: t.CreatedBy}
}

// Comment is a read-only copy of a freshly inserted task comment.
type Comment struct {
	ID        int64     `json:"id"`
	TaskID    int64     `json:"task_id"`
	UserID    string    `json:"user_id"`
	Comment   string    `json:"comment"`
	CreatedAt time.Time `json:"created_at"`
}

// commentPayload is the data of a comment_added event.
type commentPayload struct {
	Comment Comment `json:"comment"`
	Task    Ref     `json:"task"`
}
