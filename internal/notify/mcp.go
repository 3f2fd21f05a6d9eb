// Package notify mirrors realtime publications to connected MCP operator
// clients as log notifications.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/btouchard/taskpulse/internal/realtime"
	"github.com/btouchard/taskpulse/internal/store"
)

// MCPSender abstracts the mcp-go server notification methods.
// Defined consumer-side per Go convention.
type MCPSender interface {
	SendNotificationToAllClients(method string, params map[string]any)
}

// Publisher is the realtime surface being mirrored.
type Publisher interface {
	BroadcastTaskEvent(ev realtime.DomainEvent) (int, error)
	NotifyUser(ctx context.Context, userID, message string, link *string) (*store.Notification, error)
}

// MCPMirror forwards every call to the wrapped Publisher and then reports
// the outcome to all MCP clients as notifications/message.
type MCPMirror struct {
	next   Publisher
	sender MCPSender
}

// NewMCPMirror wraps next. A nil sender disables mirroring.
func NewMCPMirror(next Publisher, sender MCPSender) *MCPMirror {
	return &MCPMirror{next: next, sender: sender}
}

// SetSender attaches the MCP server once it exists. The server's tools
// publish through the mirror, so it is built after the mirror. Call it
// before serving.
func (m *MCPMirror) SetSender(sender MCPSender) {
	m.sender = sender
}

// BroadcastTaskEvent implements Publisher.
func (m *MCPMirror) BroadcastTaskEvent(ev realtime.DomainEvent) (int, error) {
	reached, err := m.next.BroadcastTaskEvent(ev)
	if err != nil {
		m.send("error", map[string]any{
			"type":  string(ev.Kind),
			"error": err.Error(),
		})
		return reached, err
	}

	data := map[string]any{
		"type":    string(ev.Kind),
		"reached": reached,
		"data":    json.RawMessage(ev.Payload),
	}
	if ev.OriginUserID != nil {
		data["userId"] = *ev.OriginUserID
	}
	m.send(levelFor(ev.Kind), data)
	return reached, nil
}

// NotifyUser implements Publisher.
func (m *MCPMirror) NotifyUser(ctx context.Context, userID, message string, link *string) (*store.Notification, error) {
	n, err := m.next.NotifyUser(ctx, userID, message, link)
	if err != nil {
		m.send("error", map[string]any{
			"type":   realtime.EventNewNotification,
			"userId": userID,
			"error":  err.Error(),
		})
		return nil, err
	}

	m.send("info", map[string]any{
		"type":    realtime.EventNewNotification,
		"id":      n.ID,
		"userId":  n.UserID,
		"message": n.Message,
	})
	return n, nil
}

func levelFor(k realtime.Kind) string {
	if k == realtime.KindTaskDeleted {
		return "warning"
	}
	return "info"
}

func (m *MCPMirror) send(level string, data map[string]any) {
	if m.sender == nil {
		return
	}
	m.sender.SendNotificationToAllClients("notifications/message", map[string]any{
		"level":  level,
		"logger": "taskpulse",
		"data":   data,
	})
	slog.Debug("mirrored to mcp clients", "level", level, "type", data["type"])
}
