// Package client is the subscriber side of the realtime core. Client follows
// the notification socket: it runs the register/subscribe handshake, pulls
// the recent notification log and reconnects with exponential backoff until
// it is closed. StreamClient follows the task event stream the same way.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"

	"github.com/btouchard/taskpulse/internal/realtime"
	"github.com/btouchard/taskpulse/internal/store"
)

// State is the client connection state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	GivenUp
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case GivenUp:
		return "given_up"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

var (
	// ErrGivenUp is returned by Run once MaxAttempts consecutive attempts failed.
	ErrGivenUp = errors.New("gave up reconnecting")
	// ErrHandshake is returned when the server refuses register or subscribe.
	ErrHandshake = errors.New("handshake rejected")
	errClosed    = errors.New("client closed")
)

// Config describes where and as whom the client connects.
type Config struct {
	// ServerURL is the http(s) base URL; SocketPath and PullPath are relative to it.
	ServerURL  string
	SocketPath string
	PullPath   string

	UserID string
	// Token is the bearer token sent on the upgrade and the notification pull.
	Token string

	BaseDelay  time.Duration
	MaxDelay   time.Duration
	AckTimeout time.Duration
	// MaxAttempts bounds consecutive failed attempts; zero retries forever.
	MaxAttempts int
}

// Handlers receive client events. Any field may be nil.
type Handlers struct {
	OnNotification func(store.Notification)
	OnRecent       func([]store.Notification)
	OnState        func(State)
}

// Client is a reconnecting notification subscriber.
type Client struct {
	cfg      Config
	handlers Handlers
	dialer   *websocket.Dialer
	http     *http.Client
	sleep    func(ctx context.Context, d time.Duration) error

	state  atomic.Int32
	nextID atomic.Uint64

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[uint64]chan realtime.Ack
	closed  bool
	closeCh chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Option customizes a Client.
type Option func(*Client)

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithHTTPClient replaces the HTTP client used for the notification pull.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithSleep replaces the backoff wait, mainly for tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// New creates a client. Run starts it.
func New(cfg Config, handlers Handlers, opts ...Option) *Client {
	if cfg.SocketPath == "" {
		cfg.SocketPath = "/api/socket_io"
	}
	if cfg.PullPath == "" {
		cfg.PullPath = "/api/notifications"
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 10 * time.Second
	}

	c := &Client{
		cfg:      cfg,
		handlers: handlers,
		dialer:   websocket.DefaultDialer,
		http:     &http.Client{Timeout: 15 * time.Second},
		sleep:    sleepCtx,
		pending:  make(map[uint64]chan realtime.Ack),
		closeCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	slog.Debug("notification client state", "state", s.String())
	if c.handlers.OnState != nil {
		c.handlers.OnState(s)
	}
}

// alive reports whether the client may still act. Every resumed wait checks
// it so a stale timer cannot act on a torn-down client.
func (c *Client) alive(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Run connects and keeps reconnecting until ctx is cancelled, Close is
// called, or MaxAttempts consecutive attempts fail. Cancellation tears the
// client down as Close does.
func (c *Client) Run(ctx context.Context) error {
	if strings.TrimSpace(c.cfg.UserID) == "" {
		return realtime.ErrMissingSubscriber
	}

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
		slog.Warn("notification socket lost, reconnecting",
			"error", err, "attempt", int(b.Attempt()), "delay", delay)

		if err := c.sleep(ctx, delay); err != nil || !c.alive(ctx) {
			c.setState(Disconnected)
			return nil
		}
		c.setState(Connecting)
	}
}

// session runs one connection: dial, handshake, pull, then read until the
// transport drops. connected reports whether the handshake completed.
func (c *Client) session(ctx context.Context) (connected bool, err error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return false, errClosed
	}
	c.conn = conn
	c.mu.Unlock()

	readErr := make(chan error, 1)
	go func() {
		err := c.readLoop(conn)
		c.failPending()
		readErr <- err
	}()

	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		c.failPending()
		_ = conn.Close()
	}()

	if err := c.handshake(ctx, conn); err != nil {
		return false, err
	}
	c.setState(Connected)

	if err := c.pull(ctx); err != nil {
		slog.Warn("failed to pull recent notifications", "error", err)
	}

	// Cancellation of ctx arrives through Close, which must see the live
	// socket to send unsubscribe.
	select {
	case err := <-readErr:
		return true, err
	case <-c.closeCh:
		return true, errClosed
	}
}

// failPending releases every request still waiting for an ack.
func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(c.cfg.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("parsing server url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = c.cfg.SocketPath

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", u.Redacted(), err)
	}
	return conn, nil
}

func (c *Client) handshake(ctx context.Context, conn *websocket.Conn) error {
	for _, event := range []string{realtime.EventRegister, realtime.EventSubscribe} {
		ack, err := c.request(ctx, conn, event)
		if err != nil {
			return err
		}
		if !ack.Success {
			return fmt.Errorf("%w: %s: %s", ErrHandshake, event, ack.Error)
		}
	}
	return nil
}

// request sends event with the user id and waits for its ack.
func (c *Client) request(ctx context.Context, conn *websocket.Conn, event string) (realtime.Ack, error) {
	id := c.nextID.Add(1)
	ch := make(chan realtime.Ack, 1)

	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.emit(conn, event, id); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return realtime.Ack{}, err
	}

	timer := time.NewTimer(c.cfg.AckTimeout)
	defer timer.Stop()

	select {
	case ack, ok := <-ch:
		if !ok {
			return realtime.Ack{}, fmt.Errorf("%s: connection lost before ack", event)
		}
		return ack, nil
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return realtime.Ack{}, fmt.Errorf("%s: ack timed out after %s", event, c.cfg.AckTimeout)
	case <-ctx.Done():
		return realtime.Ack{}, ctx.Err()
	}
}

func (c *Client) emit(conn *websocket.Conn, event string, id uint64) error {
	frame, err := realtime.EncodeFrame(event, id, c.cfg.UserID)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.cfg.AckTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("sending %s: %w", event, err)
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var f realtime.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Debug("ignoring malformed frame", "error", err)
			continue
		}

		switch f.Event {
		case realtime.EventAck:
			var ack realtime.Ack
			if err := json.Unmarshal(f.Data, &ack); err != nil {
				continue
			}
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if ok {
				ch <- ack
			}

		case realtime.EventNewNotification:
			var n store.Notification
			if err := json.Unmarshal(f.Data, &n); err != nil {
				slog.Debug("ignoring malformed notification", "error", err)
				continue
			}
			if c.handlers.OnNotification != nil {
				c.handlers.OnNotification(n)
			}
		}
	}
}

// pull fetches the recent notification log to cover anything missed while
// disconnected.
func (c *Client) pull(ctx context.Context) error {
	endpoint := strings.TrimRight(c.cfg.ServerURL, "/") + c.cfg.PullPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("fetching notifications: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetching notifications: unexpected status %d", resp.StatusCode)
	}

	var body []store.Notification
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decoding notifications: %w", err)
	}
	if c.handlers.OnRecent != nil {
		c.handlers.OnRecent(body)
	}
	return nil
}

// Close tears the client down: it sends unsubscribe on a live socket, then
// closes it and stops reconnecting. It is safe to call more than once and on
// an already closed socket.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		conn := c.conn
		c.mu.Unlock()

		if conn != nil {
			// Best effort; the socket may already be gone.
			_ = c.emit(conn, realtime.EventUnsubscribe, 0)
			c.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			c.writeMu.Unlock()
			_ = conn.Close()
		}
		close(c.closeCh)
	})
	return nil
}
