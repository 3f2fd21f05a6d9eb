package realtime

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Kind identifies the mutation a DomainEvent describes.
type Kind string

const (
	KindTaskCreated  Kind = "task_created"
	KindTaskUpdated  Kind = "task_updated"
	KindTaskDeleted  Kind = "task_deleted"
	KindTaskAssigned Kind = "task_assigned"
	KindCommentAdded Kind = "comment_added"
)

// Kinds lists every accepted event kind.
var Kinds = []Kind{KindTaskCreated, KindTaskUpdated, KindTaskDeleted, KindTaskAssigned, KindCommentAdded}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// DomainEvent is a task or comment mutation fanned out on the task stream.
// OccurredAt is assigned by the Broadcaster; any caller-supplied value is ignored.
type DomainEvent struct {
	Kind         Kind            `json:"type"`
	Payload      json.RawMessage `json:"data"`
	OriginUserID *string         `json:"userId"`
	OccurredAt   time.Time       `json:"timestamp"`
}

// NewEvent builds an event from any JSON-encodable payload.
func NewEvent(kind Kind, payload any, originUserID string) (DomainEvent, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return DomainEvent{}, fmt.Errorf("%w: encoding payload: %v", ErrInvalidEvent, err)
	}
	ev := DomainEvent{Kind: kind, Payload: raw}
	if originUserID != "" {
		ev.OriginUserID = &originUserID
	}
	return ev, nil
}

// Validate checks the kind and that the payload is a JSON object or array.
// A null payload counts as missing.
func (e DomainEvent) Validate() error {
	if !e.Kind.Valid() {
		return &ValidationError{Field: "type", Message: fmt.Sprintf("unknown event kind %q", e.Kind)}
	}
	payload := bytes.TrimSpace(e.Payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return &ValidationError{Field: "data", Message: "payload is required"}
	}
	if !json.Valid(payload) {
		return &ValidationError{Field: "data", Message: "payload is not valid JSON"}
	}
	if payload[0] != '{' && payload[0] != '[' {
		return &ValidationError{Field: "data", Message: "payload must be a JSON object or array"}
	}
	return nil
}

// controlFrame is the body of connected and heartbeat frames.
type controlFrame struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	frameConnected = "connected"
	frameHeartbeat = "heartbeat"
)

func encodeControl(kind string, at time.Time) []byte {
	// Marshalling a string and a time cannot fail.
	b, _ := json.Marshal(controlFrame{Type: kind, Timestamp: at.UTC()})
	return b
}

// monotonicClock stamps events so that successive stamps never go backwards,
// even if the wall clock is stepped.
type monotonicClock struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

func (c *monotonicClock) stamp() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := c.now().UTC()
	if t.Before(c.last) {
		t = c.last
	}
	c.last = t
	return t
}
