package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"github.com/btouchard/taskpulse/internal/realtime"
)

var (
	// ErrStreamRejected is returned for a session the server answered with a
	// status other than 200.
	ErrStreamRejected = errors.New("stream rejected")
	errStreamEnded    = errors.New("stream ended")
	errStreamIdle     = errors.New("stream idle")
)

// maxFrameSize bounds one SSE line.
const maxFrameSize = 1 << 20

// StreamConfig describes where and as whom the task stream is opened.
type StreamConfig struct {
	// ServerURL is the http(s) base URL; StreamPath is relative to it.
	ServerURL  string
	StreamPath string

	UserID string
	// Token, when set, is sent as a bearer token.
	Token string

	BaseDelay time.Duration
	MaxDelay  time.Duration
	// IdleTimeout drops a session that delivered nothing, heartbeats
	// included, for that long. Zero disables it.
	IdleTimeout time.Duration
	// MaxAttempts bounds consecutive failed attempts; zero retries forever.
	MaxAttempts int
}

// StreamHandlers receive stream client events. Any field may be nil.
type StreamHandlers struct {
	OnEvent func(realtime.DomainEvent)
	OnState func(State)
}

// StreamClient is a reconnecting task event stream subscriber. Connected and
// heartbeat frames keep the session alive and never reach OnEvent.
type StreamClient struct {
	cfg      StreamConfig
	handlers StreamHandlers
	http     *http.Client
	sleep    func(ctx context.Context, d time.Duration) error

	state atomic.Int32

	mu        sync.Mutex
	cancel    context.CancelFunc
	closed    bool
	closeOnce sync.Once
}

// StreamOption customizes a StreamClient.
type StreamOption func(*StreamClient)

// WithStreamHTTPClient replaces the HTTP client. It must not set a Timeout,
// which would cut every stream short.
func WithStreamHTTPClient(h *http.Client) StreamOption {
	return func(c *StreamClient) { c.http = h }
}

// WithStreamSleep replaces the backoff wait, mainly for tests.
func WithStreamSleep(fn func(ctx context.Context, d time.Duration) error) StreamOption {
	return func(c *StreamClient) { c.sleep = fn }
}

// NewStream creates a stream client. Run starts it.
func NewStream(cfg StreamConfig, handlers StreamHandlers, opts ...StreamOption) *StreamClient {
	if cfg.StreamPath == "" {
		cfg.StreamPath = "/api/realtime"
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = 30 * time.Second
	}

	c := &StreamClient{
		cfg:      cfg,
		handlers: handlers,
		http:     &http.Client{},
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current connection state.
func (c *StreamClient) State() State {
	return State(c.state.Load())
}

func (c *StreamClient) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	slog.Debug("task stream client state", "state", s.String())
	if c.handlers.OnState != nil {
		c.handlers.OnState(s)
	}
}

func (c *StreamClient) alive(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Close stops the client and aborts the open stream, if any. It is safe to
// call more than once and before Run.
func (c *StreamClient) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		cancel := c.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
	return nil
}

// Run opens the stream and keeps reopening it until ctx is cancelled, Close
// is called, or MaxAttempts consecutive attempts fail.
func (c *StreamClient) Run(ctx context.Context) error {
	if strings.TrimSpace(c.cfg.UserID) == "" {
		return realtime.ErrMissingSubscriber
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.cancel = cancel
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	b := &backoff.Backoff{
		Min:    c.cfg.BaseDelay,
		Max:    c.cfg.MaxDelay,
		Factor: 2,
		Jitter: false,
	}

	c.setState(Connecting)
	for {
		connected, err := c.session(ctx)
		if !c.alive(ctx) {
			c.setState(Disconnected)
			return nil
		}

		if connected {
			b.Reset()
		}
		if c.cfg.MaxAttempts > 0 && int(b.Attempt())+1 >= c.cfg.MaxAttempts {
			c.setState(GivenUp)
			return fmt.Errorf("%w after %d attempts: %v", ErrGivenUp, c.cfg.MaxAttempts, err)
		}

		delay := b.Duration()
		c.setState(Reconnecting)
		slog.Warn("task stream lost, reconnecting",
			"error", err, "attempt", int(b.Attempt()), "delay", delay)

		if err := c.sleep(ctx, delay); err != nil || !c.alive(ctx) {
			c.setState(Disconnected)
			return nil
		}
		c.setState(Connecting)
	}
}

// session runs one stream until the server ends it or the transport fails.
// connected reports whether the connected frame arrived.
func (c *StreamClient) session(ctx context.Context) (connected bool, err error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	req, err := c.request(ctx)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("opening stream: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("%w: %s: %s", ErrStreamRejected, resp.Status, bytes.TrimSpace(body))
	}

	var idle *time.Timer
	if c.cfg.IdleTimeout > 0 {
		idle = time.AfterFunc(c.cfg.IdleTimeout, func() { cancel(errStreamIdle) })
		defer idle.Stop()
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 4096), maxFrameSize)

	var data []byte
	for sc.Scan() {
		if idle != nil {
			idle.Reset(c.cfg.IdleTimeout)
		}
		line := sc.Bytes()

		if len(line) == 0 {
			if len(data) > 0 && c.dispatch(data) {
				connected = true
				c.setState(Connected)
			}
			data = data[:0]
			continue
		}

		field, value, _ := bytes.Cut(line, []byte(":"))
		if string(field) != "data" {
			// Comments and fields other than data carry nothing for us.
			continue
		}
		value = bytes.TrimPrefix(value, []byte(" "))
		if len(data) > 0 {
			data = append(data, '\n')
		}
		data = append(data, value...)
	}

	if cause := context.Cause(ctx); cause != nil {
		return connected, cause
	}
	if err := sc.Err(); err != nil {
		return connected, fmt.Errorf("reading stream: %w", err)
	}
	return connected, errStreamEnded
}

func (c *StreamClient) request(ctx context.Context) (*http.Request, error) {
	u, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("parsing server url: %w", err)
	}
	u.Path = c.cfg.StreamPath
	u.RawQuery = url.Values{"userId": {c.cfg.UserID}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	return req, nil
}

// dispatch handles one complete frame and reports whether it was the
// connected frame.
func (c *StreamClient) dispatch(data []byte) bool {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		slog.Warn("dropping malformed stream frame", "error", err)
		return false
	}

	switch head.Type {
	case "connected":
		return true
	case "heartbeat":
		return false
	}

	var ev realtime.DomainEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		slog.Warn("dropping malformed task event", "type", head.Type, "error", err)
		return false
	}
	if c.handlers.OnEvent != nil {
		c.handlers.OnEvent(ev)
	}
	return false
}
