package realtime

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const maxFrameSize = 64 << 10

// SocketOptions tunes the notification socket transport.
type SocketOptions struct {
	Buffer         int
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
	// PublicOrigin is the server's own public URL. It is always accepted.
	PublicOrigin string
}

// SocketManager upgrades notification sockets and handles the
// register/subscribe/unsubscribe protocol. It owns the socket registry.
type SocketManager struct {
	registry *SocketRegistry
	opts     SocketOptions
	upgrader websocket.Upgrader
}

// NewSocketManager creates a manager over registry.
func NewSocketManager(registry *SocketRegistry, opts SocketOptions) *SocketManager {
	if opts.Buffer < 1 {
		opts.Buffer = 64
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = 60 * time.Second
	}
	if opts.PingInterval <= 0 || opts.PingInterval >= opts.PongTimeout {
		opts.PingInterval = opts.PongTimeout * 9 / 10
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}

	m := &SocketManager{registry: registry, opts: opts}
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     m.checkOrigin,
	}
	return m
}

// Registry returns the registry the manager owns.
func (m *SocketManager) Registry() *SocketRegistry { return m.registry }

func (m *SocketManager) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // Same-origin requests have no Origin header
	}
	if pub := strings.TrimSuffix(m.opts.PublicOrigin, "/"); pub != "" && strings.EqualFold(origin, pub) {
		return true
	}
	if len(m.opts.AllowedOrigins) == 0 {
		for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
			if strings.HasPrefix(origin, prefix) {
				return true
			}
		}
	}
	for _, allowed := range m.opts.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(origin, allowed) {
			return true
		}
	}
	slog.Warn("rejected socket from disallowed origin", "origin", origin)
	return false
}

// ServeHTTP upgrades the request and runs the socket until it disconnects.
func (m *SocketManager) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("socket upgrade failed", "error", err)
		return
	}

	sc := &socketConn{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, m.opts.Buffer),
		done: make(chan struct{}),
	}
	m.registry.Attach(sc.id, sc)
	slog.Info("socket connected", "socket_id", sc.id, "remote", r.RemoteAddr)

	go sc.writePump(m.opts)
	m.readPump(sc)
}

// readPump handles client frames until the transport fails, then clears
// every room and mapping of the socket whether or not it unsubscribed first.
func (m *SocketManager) readPump(sc *socketConn) {
	defer func() {
		m.registry.Drop(sc.id)
		sc.close()
		slog.Info("socket disconnected", "socket_id", sc.id)
	}()

	sc.conn.SetReadLimit(maxFrameSize)
	_ = sc.conn.SetReadDeadline(time.Now().Add(m.opts.PongTimeout))
	sc.conn.SetPongHandler(func(string) error {
		return sc.conn.SetReadDeadline(time.Now().Add(m.opts.PongTimeout))
	})

	for {
		_, data, err := sc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("socket read failed", "socket_id", sc.id, "error", err)
			}
			return
		}
		_ = sc.conn.SetReadDeadline(time.Now().Add(m.opts.PongTimeout))

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Debug("ignoring malformed socket frame", "socket_id", sc.id, "error", err)
			continue
		}

		ack := m.Handle(sc.id, f)
		if f.ID == 0 {
			continue
		}
		reply, err := EncodeFrame(EventAck, f.ID, ack)
		if err != nil {
			continue
		}
		if err := sc.Send(reply); err != nil {
			return
		}
	}
}

// Handle applies one protocol frame for socketID and returns its ack.
func (m *SocketManager) Handle(socketID string, f Frame) Ack {
	userID := DecodeUserID(f.Data)

	switch f.Event {
	case EventRegister:
		if userID == "" {
			return Ack{Error: "No userId provided for registration"}
		}
		m.registry.Register(userID, socketID)
		m.registry.Join(socketID, userID)
		slog.Debug("socket registered", "socket_id", socketID, "user_id", userID)
		return Ack{Success: true, Message: "Registered for notifications"}

	case EventSubscribe:
		if userID == "" {
			return Ack{Error: "No userId provided for subscription"}
		}
		m.registry.Join(socketID, NotificationRoom(userID))
		slog.Debug("socket subscribed", "socket_id", socketID, "user_id", userID)
		return Ack{Success: true, Message: "Subscribed to notifications"}

	case EventUnsubscribe:
		if userID == "" {
			return Ack{Error: "No userId provided for unsubscription"}
		}
		m.registry.Leave(socketID, NotificationRoom(userID))
		slog.Debug("socket unsubscribed", "socket_id", socketID, "user_id", userID)
		return Ack{Success: true, Message: "Unsubscribed from notifications"}

	default:
		return Ack{Error: "unknown event " + f.Event}
	}
}

// socketConn is the registry handle of one websocket.
type socketConn struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// Send enqueues frame without blocking. A full buffer closes the socket.
// A frame that lands in the buffer while the socket closes is reported as
// not delivered.
func (c *socketConn) Send(frame []byte) error {
	select {
	case <-c.done:
		return ErrSocketClosed
	case c.send <- frame:
		select {
		case <-c.done:
			return ErrSocketClosed
		default:
			return nil
		}
	default:
		slog.Warn("socket too slow, disconnecting", "socket_id", c.id)
		c.close()
		return ErrBackpressure
	}
}

func (c *socketConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *socketConn) writePump(opts SocketOptions) {
	ticker := time.NewTicker(opts.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
