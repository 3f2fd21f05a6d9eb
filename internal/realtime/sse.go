package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// StreamState is the lifecycle state of one SSE connection.
type StreamState int32

const (
	StreamConnecting StreamState = iota
	StreamOpen
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamConnecting:
		return "connecting"
	case StreamOpen:
		return "open"
	case StreamClosed:
		return "closed"
	default:
		return fmt.Sprintf("StreamState(%d)", int32(s))
	}
}

// FrameWriter writes one SSE data frame to the client and flushes it.
type FrameWriter interface {
	WriteFrame(data []byte) error
}

// Stream is the registry handle of one SSE connection. Send only enqueues;
// the owning session goroutine performs the write.
type Stream struct {
	userID   string
	openedAt time.Time

	state atomic.Int32
	out   chan []byte
	done  chan struct{}
	once  sync.Once
	err   error
}

func newStream(userID string, buffer int, now time.Time) *Stream {
	return &Stream{
		userID:   userID,
		openedAt: now,
		out:      make(chan []byte, buffer),
		done:     make(chan struct{}),
	}
}

// Send enqueues frame without blocking. A full buffer closes the stream.
// A frame that lands in the buffer while the stream closes is reported as
// not delivered.
func (s *Stream) Send(frame []byte) error {
	select {
	case <-s.done:
		return ErrStreamClosed
	case s.out <- frame:
		if s.closed() {
			return ErrStreamClosed
		}
		return nil
	default:
		s.close(ErrBackpressure)
		return ErrBackpressure
	}
}

func (s *Stream) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// State returns the current lifecycle state.
func (s *Stream) State() StreamState {
	return StreamState(s.state.Load())
}

// UserID returns the subscriber the stream was opened for.
func (s *Stream) UserID() string { return s.userID }

// OpenedAt returns when the stream was accepted.
func (s *Stream) OpenedAt() time.Time { return s.openedAt }

// close moves the stream to Closed. Only the first reason is kept.
func (s *Stream) close(reason error) {
	s.once.Do(func() {
		s.err = reason
		s.state.Store(int32(StreamClosed))
		close(s.done)
	})
}

// StreamManager owns the SSE registry and runs each connection's lifecycle.
type StreamManager struct {
	registry  *StreamRegistry
	heartbeat time.Duration
	buffer    int
	now       func() time.Time
}

// NewStreamManager creates a manager sending heartbeats every heartbeat
// interval and buffering up to buffer pending frames per stream.
func NewStreamManager(registry *StreamRegistry, heartbeat time.Duration, buffer int) *StreamManager {
	if buffer < 1 {
		buffer = 1
	}
	return &StreamManager{
		registry:  registry,
		heartbeat: heartbeat,
		buffer:    buffer,
		now:       time.Now,
	}
}

// Registry returns the registry the manager owns.
func (m *StreamManager) Registry() *StreamRegistry { return m.registry }

// Serve runs one stream for userID until ctx is cancelled (client abort) or a
// write fails. It returns nil on client abort and the failure otherwise.
func (m *StreamManager) Serve(ctx context.Context, userID string, w FrameWriter) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrMissingSubscriber
	}

	s := newStream(userID, m.buffer, m.now())
	return m.run(ctx, s, w)
}

func (m *StreamManager) run(ctx context.Context, s *Stream, w FrameWriter) error {
	if prev := m.registry.Register(s.userID, s); prev != nil {
		slog.Debug("stream replaced", "user_id", s.userID)
	}
	s.state.Store(int32(StreamOpen))
	slog.Info("stream opened", "user_id", s.userID, "streams", m.registry.Len())

	ticker := time.NewTicker(m.heartbeat)
	defer func() {
		// The ticker must be dead before the handle is released.
		ticker.Stop()
		m.registry.Release(s.userID, s)
		s.close(ErrStreamClosed)
		slog.Info("stream closed", "user_id", s.userID, "reason", s.err)
	}()

	if err := w.WriteFrame(encodeControl(frameConnected, m.now())); err != nil {
		s.close(err)
		return fmt.Errorf("writing connected frame: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			s.close(context.Canceled)
			return nil
		case <-s.done:
			return s.err
		case <-ticker.C:
			if err := w.WriteFrame(encodeControl(frameHeartbeat, m.now())); err != nil {
				s.close(err)
				return fmt.Errorf("writing heartbeat: %w", err)
			}
		case frame := <-s.out:
			if err := w.WriteFrame(frame); err != nil {
				s.close(err)
				return fmt.Errorf("writing event: %w", err)
			}
		}
	}
}

// httpFrameWriter frames payloads as `data: <json>\n\n` on an HTTP response.
type httpFrameWriter struct {
	w            http.ResponseWriter
	rc           *http.ResponseController
	writeTimeout time.Duration
}

// NewHTTPFrameWriter prepares w for an event stream: it sets the SSE headers,
// writes the 200 status and verifies the writer can flush.
func NewHTTPFrameWriter(w http.ResponseWriter, writeTimeout time.Duration) (FrameWriter, error) {
	rc := http.NewResponseController(w)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := rc.Flush(); err != nil {
		return nil, fmt.Errorf("response does not support streaming: %w", err)
	}
	// Streams outlive the server-wide write timeout; deadlines are per frame.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return nil, fmt.Errorf("clearing write deadline: %w", err)
	}

	return &httpFrameWriter{w: w, rc: rc, writeTimeout: writeTimeout}, nil
}

func (f *httpFrameWriter) WriteFrame(data []byte) error {
	if f.writeTimeout > 0 {
		_ = f.rc.SetWriteDeadline(time.Now().Add(f.writeTimeout))
	}
	if _, err := fmt.Fprintf(f.w, "data: %s\n\n", data); err != nil {
		return err
	}
	return f.rc.Flush()
}
