package realtime

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingWriter records frames and fails every write after failAfter
// successful ones when failAfter is positive.
type recordingWriter struct {
	mu        sync.Mutex
	frames    [][]byte
	failAfter int
	writes    chan []byte
}

func newRecordingWriter(failAfter int) *recordingWriter {
	return &recordingWriter{failAfter: failAfter, writes: make(chan []byte, 64)}
}

func (w *recordingWriter) WriteFrame(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failAfter > 0 && len(w.frames) >= w.failAfter {
		return errors.New("client gone")
	}
	w.frames = append(w.frames, data)
	select {
	case w.writes <- data:
	default:
	}
	return nil
}

func (w *recordingWriter) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case data := <-w.writes:
		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m))
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func serveAsync(ctx context.Context, m *StreamManager, userID string, w FrameWriter) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- m.Serve(ctx, userID, w) }()
	return errCh
}

func TestStreamManager_Serve_RequiresUserID(t *testing.T) {
	t.Parallel()
	m := NewStreamManager(NewStreamRegistry(), time.Hour, 4)

	err := m.Serve(context.Background(), "  ", newRecordingWriter(0))
	assert.ErrorIs(t, err, ErrMissingSubscriber)
	assert.Equal(t, 0, m.Registry().Len(), "no registry mutation")
}

func TestStreamManager_ConnectedThenEventBeforeHeartbeat(t *testing.T) {
	t.Parallel()
	m := NewStreamManager(NewStreamRegistry(), time.Hour, 4)
	b := NewBroadcaster(m.Registry(), NewSocketRegistry(), &fakeStore{})

	ctx, cancel := context.WithCancel(context.Background())
	w := newRecordingWriter(0)
	errCh := serveAsync(ctx, m, "u1", w)

	first := w.next(t)
	assert.Equal(t, "connected", first["type"])
	_, err := time.Parse(time.RFC3339Nano, first["timestamp"].(string))
	require.NoError(t, err)

	n, err := b.BroadcastTaskEvent(mustEvent(t, KindTaskCreated, map[string]any{"id": 42, "title": "X"}, "u2"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	evt := w.next(t)
	assert.Equal(t, "task_created", evt["type"])
	assert.Equal(t, map[string]any{"id": float64(42), "title": "X"}, evt["data"])
	assert.Equal(t, "u2", evt["userId"])

	cancel()
	require.NoError(t, <-errCh)
	assert.Equal(t, 0, m.Registry().Len())
}

func TestStreamManager_HeartbeatFailure_ClosesAndUnregisters(t *testing.T) {
	t.Parallel()
	m := NewStreamManager(NewStreamRegistry(), 5*time.Millisecond, 4)
	b := NewBroadcaster(m.Registry(), NewSocketRegistry(), &fakeStore{})

	// Connected frame succeeds, the first heartbeat fails.
	w := newRecordingWriter(1)
	err := m.Serve(context.Background(), "u1", w)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heartbeat")

	assert.Equal(t, 0, m.Registry().Len())
	n, err := b.BroadcastTaskEvent(mustEvent(t, KindTaskUpdated, map[string]int{"id": 1}, ""))
	require.NoError(t, err)
	assert.Equal(t, 0, n, "closed stream is never written to again")

	w.mu.Lock()
	defer w.mu.Unlock()
	assert.Len(t, w.frames, 1)
}

func TestStreamManager_Heartbeat_UsesControlFrame(t *testing.T) {
	t.Parallel()
	m := NewStreamManager(NewStreamRegistry(), 10*time.Millisecond, 4)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := newRecordingWriter(0)
	errCh := serveAsync(ctx, m, "u1", w)

	assert.Equal(t, "connected", w.next(t)["type"])
	assert.Equal(t, "heartbeat", w.next(t)["type"])

	cancel()
	require.NoError(t, <-errCh)
}

func TestStreamManager_Replacement_OldStreamCannotEvictNew(t *testing.T) {
	t.Parallel()
	m := NewStreamManager(NewStreamRegistry(), time.Hour, 4)
	b := NewBroadcaster(m.Registry(), NewSocketRegistry(), &fakeStore{})

	oldCtx, oldCancel := context.WithCancel(context.Background())
	oldW := newRecordingWriter(0)
	oldErr := serveAsync(oldCtx, m, "u1", oldW)
	oldW.next(t)

	newCtx, newCancel := context.WithCancel(context.Background())
	defer newCancel()
	newW := newRecordingWriter(0)
	newErr := serveAsync(newCtx, m, "u1", newW)
	newW.next(t)

	oldCancel()
	require.NoError(t, <-oldErr)
	assert.Equal(t, 1, m.Registry().Len(), "replacement survives the old stream's shutdown")

	n, err := b.BroadcastTaskEvent(mustEvent(t, KindTaskCreated, map[string]int{"id": 9}, ""))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "task_created", newW.next(t)["type"])

	newCancel()
	require.NoError(t, <-newErr)
}

func TestStream_Send_AfterCloseAndOnBackpressure(t *testing.T) {
	t.Parallel()

	s := newStream("u1", 1, time.Now())
	require.NoError(t, s.Send([]byte("a")))
	assert.ErrorIs(t, s.Send([]byte("b")), ErrBackpressure)
	assert.Equal(t, StreamClosed, s.State())
	assert.ErrorIs(t, s.Send([]byte("c")), ErrStreamClosed)

	// Closing again is harmless.
	s.close(errors.New("late"))
	assert.ErrorIs(t, s.err, ErrBackpressure)
}

func TestStream_Send_ClosedWithFreeBuffer_NeverReportsDelivery(t *testing.T) {
	t.Parallel()

	// Both select arms are ready on a closed stream with free buffer space;
	// whichever runs, the frame must not count as delivered.
	for i := 0; i < 500; i++ {
		s := newStream("u1", 4, time.Now())
		s.close(errors.New("client went away"))
		require.ErrorIs(t, s.Send([]byte("x")), ErrStreamClosed, "iteration %d", i)
	}
}

func TestBroadcastTaskEvent_ClosedStream_NotCountedAsReached(t *testing.T) {
	t.Parallel()
	reg := NewStreamRegistry()
	b := NewBroadcaster(reg, NewSocketRegistry(), &fakeStore{})

	for i := 0; i < 200; i++ {
		s := newStream("u1", 4, time.Now())
		reg.Register("u1", s)
		s.close(errors.New("client went away"))

		n, err := b.BroadcastTaskEvent(mustEvent(t, KindTaskUpdated, map[string]any{"id": i}, ""))
		require.NoError(t, err)
		require.Zero(t, n, "iteration %d", i)
	}
}

func TestStreamState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "connecting", StreamConnecting.String())
	assert.Equal(t, "open", StreamOpen.String())
	assert.Equal(t, "closed", StreamClosed.String())
}

func TestHTTPFrameWriter_StreamsSSE(t *testing.T) {
	t.Parallel()
	m := NewStreamManager(NewStreamRegistry(), time.Hour, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fw, err := NewHTTPFrameWriter(w, time.Second)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_ = m.Serve(r.Context(), r.URL.Query().Get("userId"), fw)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?userId=u1", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "), line)
	assert.Contains(t, line, `"type":"connected"`)

	require.Eventually(t, func() bool { return m.Registry().Len() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.Eventually(t, func() bool { return m.Registry().Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}
