package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a notification does not exist or is not
	// owned by the requesting user.
	ErrNotFound = errors.New("notification not found")
	// ErrInvalidInput is returned for notifications missing an owner or message.
	ErrInvalidInput = errors.New("invalid notification")
)

// Store is the persistence interface for the notification log.
// Defined at the consumer side per Go conventions.
type Store interface {
	CreateNotification(ctx context.Context, userID, message string, link *string) (*Notification, error)
	RecentNotifications(ctx context.Context, userID string, limit int) ([]Notification, error)
	MarkRead(ctx context.Context, userID, id string) error
	UnreadCount(ctx context.Context, userID string) (int, error)

	Close() error
}

// Notification is one persisted per-user notification. ID and CreatedAt are
// assigned at insert time and never change; IsRead only moves false to true.
type Notification struct {
	ID        string    `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"userId"`
	Message   string    `db:"message" json:"message"`
	Link      *string   `db:"link" json:"link"`
	IsRead    bool      `db:"is_read" json:"isRead"`
	CreatedAt time.Time `db:"-" json:"createdAt"`
}
