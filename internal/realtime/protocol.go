package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Socket protocol event names.
const (
	EventRegister        = "register"
	EventSubscribe       = "subscribe_to_notifications"
	EventUnsubscribe     = "unsubscribe_from_notifications"
	EventNewNotification = "new_notification"
	EventAck             = "ack"
)

// Frame is one JSON text message on the notification socket. A non-zero ID
// on a client frame asks the server for an ack carrying the same ID.
type Frame struct {
	Event string          `json:"event"`
	ID    uint64          `json:"id,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Ack answers a client frame.
type Ack struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NotificationRoom is the room a socket joins via subscribe_to_notifications.
// The bare user id is the room joined via register.
func NotificationRoom(userID string) string {
	return "notifications_" + userID
}

// EncodeFrame marshals a frame with data encoded as JSON.
func EncodeFrame(event string, id uint64, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encoding %s frame: %w", event, err)
	}
	return json.Marshal(Frame{Event: event, ID: id, Data: raw})
}

// DecodeUserID accepts either a bare JSON string or an object with a userId
// field, the two shapes clients send for the handshake events.
func DecodeUserID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var obj struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return strings.TrimSpace(obj.UserID)
	}
	return ""
}
