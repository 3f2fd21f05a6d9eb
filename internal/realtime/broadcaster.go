package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/btouchard/taskpulse/internal/store"
)

// NotificationWriter persists notifications before they are emitted live.
type NotificationWriter interface {
	CreateNotification(ctx context.Context, userID, message string, link *string) (*store.Notification, error)
}

// StreamFanout is the read side of the task-stream registry.
type StreamFanout interface {
	ForEach(fn func(userID string, h Handle) error) int
}

// RoomEmitter is the read side of the notification socket registry.
type RoomEmitter interface {
	EmitToRooms(frame []byte, rooms ...string) int
}

// Broadcaster routes task events to every open stream and notifications to
// the sockets of one user. It never mutates registries directly; failed
// handles are evicted by the registries themselves.
type Broadcaster struct {
	streams StreamFanout
	sockets RoomEmitter
	store   NotificationWriter
	clock   monotonicClock
}

// NewBroadcaster wires a broadcaster over the given registries and store.
func NewBroadcaster(streams StreamFanout, sockets RoomEmitter, st NotificationWriter) *Broadcaster {
	return &Broadcaster{
		streams: streams,
		sockets: sockets,
		store:   st,
		clock:   monotonicClock{now: time.Now},
	}
}

// BroadcastTaskEvent stamps ev and writes it to every registered stream. The
// returned count is the number of streams that accepted the frame. Transport
// failures are never returned; only an invalid event is.
func (b *Broadcaster) BroadcastTaskEvent(ev DomainEvent) (int, error) {
	if err := ev.Validate(); err != nil {
		return 0, err
	}

	ev.OccurredAt = b.clock.stamp()
	frame, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}

	reached := b.streams.ForEach(func(_ string, h Handle) error {
		return h.Send(frame)
	})

	slog.Debug("task event broadcast", "kind", ev.Kind, "reached", reached)
	return reached, nil
}

// NotifyUser persists a notification for userID and then emits it as
// new_notification to both the bare user room and the notifications room.
// Nothing is emitted when persistence fails. A user with no live sockets is
// not an error.
func (b *Broadcaster) NotifyUser(ctx context.Context, userID, message string, link *string) (*store.Notification, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, &ValidationError{Field: "userId", Message: "is required"}
	}
	if strings.TrimSpace(message) == "" {
		return nil, &ValidationError{Field: "message", Message: "is required"}
	}

	n, err := b.store.CreateNotification(ctx, userID, message, link)
	if err != nil {
		slog.Error("failed to persist notification", "user_id", userID, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	frame, err := EncodeFrame(EventNewNotification, 0, n)
	if err != nil {
		// The row exists; a client will see it on its next pull.
		slog.Error("failed to encode notification", "id", n.ID, "error", err)
		return n, nil
	}

	reached := b.sockets.EmitToRooms(frame, userID, NotificationRoom(userID))
	slog.Debug("notification emitted", "user_id", userID, "id", n.ID, "reached", reached)
	return n, nil
}
