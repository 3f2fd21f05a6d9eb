package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type notificationRow struct {
	ID        string  `db:"id"`
	UserID    string  `db:"user_id"`
	Message   string  `db:"message"`
	Link      *string `db:"link"`
	IsRead    bool    `db:"is_read"`
	CreatedAt dbTime  `db:"created_at"`
}

func (r notificationRow) toNotification() Notification {
	return Notification{
		ID:        r.ID,
		UserID:    r.UserID,
		Message:   r.Message,
		Link:      r.Link,
		IsRead:    r.IsRead,
		CreatedAt: r.CreatedAt.Time,
	}
}

// CreateNotification persists an unread notification for userID. An empty
// link is stored as NULL.
func (s *SQLStore) CreateNotification(ctx context.Context, userID, message string, link *string) (*Notification, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidInput)
	}
	if link != nil && *link == "" {
		link = nil
	}

	n := &Notification{
		ID:        uuid.NewString(),
		UserID:    userID,
		Message:   message,
		Link:      link,
		IsRead:    false,
		CreatedAt: s.now().UTC(),
	}

	query := s.db.Rebind(`INSERT INTO notifications (id, user_id, message, link, is_read, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query,
		n.ID, n.UserID, n.Message, n.Link, n.IsRead, s.timeArg(n.CreatedAt)); err != nil {
		return nil, fmt.Errorf("inserting notification: %w", err)
	}

	return n, nil
}

// RecentNotifications returns up to limit notifications for userID, newest first.
func (s *SQLStore) RecentNotifications(ctx context.Context, userID string, limit int) ([]Notification, error) {
	query := `SELECT id, user_id, message, link, is_read, created_at
		FROM notifications WHERE user_id = ?
		ORDER BY created_at DESC, id DESC`
	args := []any{userID}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var rows []notificationRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}

	out := make([]Notification, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toNotification())
	}
	return out, nil
}

// MarkRead flags a notification owned by userID as read. Repeated calls are
// no-ops; a notification owned by someone else reports ErrNotFound.
func (s *SQLStore) MarkRead(ctx context.Context, userID, id string) error {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind("UPDATE notifications SET is_read = ? WHERE id = ? AND user_id = ?"),
		true, id, userID)
	if err != nil {
		return fmt.Errorf("marking notification read: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("marking notification read: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UnreadCount returns the number of unread notifications for userID.
func (s *SQLStore) UnreadCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		s.db.Rebind("SELECT COUNT(*) FROM notifications WHERE user_id = ? AND is_read = ?"),
		userID, false)
	if err != nil {
		return 0, fmt.Errorf("counting unread notifications: %w", err)
	}
	return count, nil
}
