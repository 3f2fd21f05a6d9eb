package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btouchard/taskpulse/internal/store"
)

type fakeStore struct {
	mu    sync.Mutex
	err   error
	saved []store.Notification
}

func (s *fakeStore) CreateNotification(_ context.Context, userID, message string, link *string) (*store.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	n := store.Notification{
		ID:        "n-" + userID,
		UserID:    userID,
		Message:   message,
		Link:      link,
		CreatedAt: time.Now().UTC(),
	}
	s.saved = append(s.saved, n)
	return &n, nil
}

func newTestBroadcaster(st NotificationWriter) (*Broadcaster, *StreamRegistry, *SocketRegistry) {
	streams, sockets := NewStreamRegistry(), NewSocketRegistry()
	return NewBroadcaster(streams, sockets, st), streams, sockets
}

func mustEvent(t *testing.T, kind Kind, payload any, origin string) DomainEvent {
	t.Helper()
	ev, err := NewEvent(kind, payload, origin)
	require.NoError(t, err)
	return ev
}

func TestBroadcastTaskEvent_ZeroConnections_ReturnsZero(t *testing.T) {
	t.Parallel()
	b, _, _ := newTestBroadcaster(&fakeStore{})

	n, err := b.BroadcastTaskEvent(mustEvent(t, KindTaskCreated, map[string]any{"id": 1}, ""))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestBroadcastTaskEvent_OneFailingOfThree(t *testing.T) {
	t.Parallel()
	b, streams, _ := newTestBroadcaster(&fakeStore{})

	a, bad, c := &fakeHandle{}, &fakeHandle{err: errBroken}, &fakeHandle{}
	streams.Register("a", a)
	streams.Register("bad", bad)
	streams.Register("c", c)

	n, err := b.BroadcastTaskEvent(mustEvent(t, KindTaskUpdated, map[string]any{"id": 7}, "a"))
	require.NoError(t, err, "transport failures never reach the caller")
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, a.count())
	assert.Equal(t, 1, c.count())
	assert.Equal(t, 2, streams.Len())

	n, err = b.BroadcastTaskEvent(mustEvent(t, KindTaskUpdated, map[string]any{"id": 7}, "a"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestBroadcastTaskEvent_WireShape(t *testing.T) {
	t.Parallel()
	b, streams, _ := newTestBroadcaster(&fakeStore{})
	h := &fakeHandle{}
	streams.Register("u1", h)

	_, err := b.BroadcastTaskEvent(mustEvent(t, KindTaskCreated, map[string]any{"id": 42, "title": "X"}, "u2"))
	require.NoError(t, err)

	require.Equal(t, 1, h.count())
	var got struct {
		Type      string          `json:"type"`
		Data      json.RawMessage `json:"data"`
		UserID    *string         `json:"userId"`
		Timestamp time.Time       `json:"timestamp"`
	}
	require.NoError(t, json.Unmarshal(h.frames[0], &got))
	assert.Equal(t, "task_created", got.Type)
	assert.JSONEq(t, `{"id":42,"title":"X"}`, string(got.Data))
	require.NotNil(t, got.UserID)
	assert.Equal(t, "u2", *got.UserID)
	assert.False(t, got.Timestamp.IsZero())
}

func TestBroadcastTaskEvent_RejectsNullPayload(t *testing.T) {
	t.Parallel()
	b, streams, _ := newTestBroadcaster(&fakeStore{})
	h := &fakeHandle{}
	streams.Register("u1", h)

	for _, raw := range []string{"null", "  null\n", `"just a string"`, "42", "true"} {
		ev := DomainEvent{Kind: KindTaskCreated, Payload: json.RawMessage(raw)}
		n, err := b.BroadcastTaskEvent(ev)
		require.ErrorIs(t, err, ErrInvalidEvent, raw)

		var ve *ValidationError
		require.ErrorAs(t, err, &ve, raw)
		assert.Equal(t, "data", ve.Field, raw)
		assert.Zero(t, n, raw)
	}
	assert.Zero(t, h.count(), "nothing reaches a stream")
}

func TestBroadcastTaskEvent_RejectsInvalidEvent(t *testing.T) {
	t.Parallel()
	b, streams, _ := newTestBroadcaster(&fakeStore{})
	h := &fakeHandle{}
	streams.Register("u1", h)

	_, err := b.BroadcastTaskEvent(DomainEvent{Kind: "task_exploded", Payload: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "type", verr.Field)

	_, err = b.BroadcastTaskEvent(DomainEvent{Kind: KindTaskCreated})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = b.BroadcastTaskEvent(DomainEvent{Kind: KindTaskCreated, Payload: json.RawMessage(`{broken`)})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	assert.Equal(t, 0, h.count(), "no partial delivery")
}

func TestBroadcastTaskEvent_TimestampsAreMonotonic(t *testing.T) {
	t.Parallel()
	b, streams, _ := newTestBroadcaster(&fakeStore{})
	h := &fakeHandle{}
	streams.Register("u1", h)

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	ticks := []time.Time{base, base.Add(-time.Minute), base.Add(time.Second)}
	i := 0
	b.clock.now = func() time.Time { ts := ticks[i]; i++; return ts }

	var stamps []time.Time
	for range ticks {
		_, err := b.BroadcastTaskEvent(mustEvent(t, KindTaskDeleted, map[string]int{"id": 1}, ""))
		require.NoError(t, err)
		var ev DomainEvent
		require.NoError(t, json.Unmarshal(h.frames[len(h.frames)-1], &ev))
		stamps = append(stamps, ev.OccurredAt)
	}

	assert.True(t, stamps[0].Equal(base))
	assert.True(t, stamps[1].Equal(base), "clock stepped backwards is clamped")
	assert.True(t, stamps[2].Equal(base.Add(time.Second)))
}

func TestBroadcastTaskEvent_SystemOriginEncodesNull(t *testing.T) {
	t.Parallel()
	b, streams, _ := newTestBroadcaster(&fakeStore{})
	h := &fakeHandle{}
	streams.Register("u1", h)

	_, err := b.BroadcastTaskEvent(mustEvent(t, KindTaskDeleted, map[string]int{"id": 3}, ""))
	require.NoError(t, err)

	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(h.frames[0], &raw))
	assert.Equal(t, "null", string(raw["userId"]))
}

func TestNotifyUser_PersistsThenEmitsToBothRooms(t *testing.T) {
	t.Parallel()
	st := &fakeStore{}
	b, _, sockets := newTestBroadcaster(st)

	registered, subscribed := &fakeHandle{}, &fakeHandle{}
	sockets.Attach("s1", registered)
	sockets.Join("s1", "u1")
	sockets.Attach("s2", subscribed)
	sockets.Join("s2", NotificationRoom("u1"))

	link := "/tasks/42"
	n, err := b.NotifyUser(context.Background(), "u1", "You were assigned task 42", &link)
	require.NoError(t, err)
	require.Len(t, st.saved, 1)
	assert.Equal(t, st.saved[0].ID, n.ID)

	for _, h := range []*fakeHandle{registered, subscribed} {
		require.Equal(t, 1, h.count())
		var f Frame
		require.NoError(t, json.Unmarshal(h.frames[0], &f))
		assert.Equal(t, EventNewNotification, f.Event)

		var got store.Notification
		require.NoError(t, json.Unmarshal(f.Data, &got))
		assert.Equal(t, n.ID, got.ID)
		assert.Equal(t, "You were assigned task 42", got.Message)
		assert.False(t, got.IsRead)
	}
}

func TestNotifyUser_PersistenceFailure_NoEmission(t *testing.T) {
	t.Parallel()
	st := &fakeStore{err: errors.New("disk full")}
	b, _, sockets := newTestBroadcaster(st)

	h := &fakeHandle{}
	sockets.Attach("s1", h)
	sockets.Join("s1", "u1")
	sockets.Join("s1", NotificationRoom("u1"))

	n, err := b.NotifyUser(context.Background(), "u1", "hello", nil)
	assert.Nil(t, n)
	assert.ErrorIs(t, err, ErrPersistence)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 0, h.count(), "no live event without a backing row")
}

func TestNotifyUser_NoSockets_StillSucceeds(t *testing.T) {
	t.Parallel()
	st := &fakeStore{}
	b, _, _ := newTestBroadcaster(st)

	n, err := b.NotifyUser(context.Background(), "offline", "later", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, n.ID)
	assert.Len(t, st.saved, 1)
}

func TestNotifyUser_ValidatesInput(t *testing.T) {
	t.Parallel()
	st := &fakeStore{}
	b, _, _ := newTestBroadcaster(st)

	_, err := b.NotifyUser(context.Background(), " ", "msg", nil)
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = b.NotifyUser(context.Background(), "u1", "", nil)
	assert.ErrorIs(t, err, ErrInvalidEvent)

	assert.Empty(t, st.saved)
}
