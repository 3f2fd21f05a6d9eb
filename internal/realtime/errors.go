package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidEvent is returned for events with an unknown kind or unusable payload.
	ErrInvalidEvent = errors.New("invalid event")
	// ErrMissingSubscriber is returned when a handshake carries no user id.
	ErrMissingSubscriber = errors.New("userId is required")
	// ErrStreamClosed is returned when enqueueing to a closed SSE stream.
	ErrStreamClosed = errors.New("stream closed")
	// ErrSocketClosed is returned when emitting to a disconnected socket.
	ErrSocketClosed = errors.New("socket closed")
	// ErrBackpressure is returned when a connection's send buffer is full.
	// The connection is closed as a side effect.
	ErrBackpressure = errors.New("send buffer full")
	// ErrPersistence wraps notification store failures surfaced by NotifyUser.
	ErrPersistence = errors.New("notification not persisted")
)

// ValidationError describes a single rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Unwrap lets callers match validation failures with errors.Is(err, ErrInvalidEvent).
func (e *ValidationError) Unwrap() error {
	return ErrInvalidEvent
}
