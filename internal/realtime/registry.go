package realtime

import (
	"log/slog"
	"sync"
)

// Registry is the capability shared by both connection registries. They
// differ in cardinality: the stream registry holds one handle per user, the
// socket registry a set of sockets per user.
type Registry interface {
	// Len returns the number of live transport handles.
	Len() int
	// Users returns the number of distinct subscribers with a live handle.
	Users() int
}

// Handle is a live transport owned by a registry entry. Send must not block.
type Handle interface {
	Send(frame []byte) error
}

// StreamRegistry maps a user id to its single authoritative SSE handle.
type StreamRegistry struct {
	mu      sync.RWMutex
	streams map[string]Handle
}

// NewStreamRegistry returns an empty registry.
func NewStreamRegistry() *StreamRegistry {
	return &StreamRegistry{streams: make(map[string]Handle)}
}

// Register stores h for userID and returns the handle it replaced, if any.
// The replaced handle is abandoned, not closed.
func (r *StreamRegistry) Register(userID string, h Handle) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.streams[userID]
	r.streams[userID] = h
	return prev
}

// Unregister removes whatever handle is mapped to userID.
func (r *StreamRegistry) Unregister(userID string) {
	r.mu.Lock()
	delete(r.streams, userID)
	r.mu.Unlock()
}

// Release removes userID only while it still maps to h, so an abandoned
// handle shutting down cannot evict its replacement.
func (r *StreamRegistry) Release(userID string, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.streams[userID]; ok && cur == h {
		delete(r.streams, userID)
		return true
	}
	return false
}

// Get returns the handle mapped to userID.
func (r *StreamRegistry) Get(userID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.streams[userID]
	return h, ok
}

// ForEach calls fn for every pair in a snapshot taken at call time. A pair
// whose fn fails is removed. It returns the number of successful calls.
func (r *StreamRegistry) ForEach(fn func(userID string, h Handle) error) int {
	type pair struct {
		userID string
		h      Handle
	}

	r.mu.RLock()
	snapshot := make([]pair, 0, len(r.streams))
	for id, h := range r.streams {
		snapshot = append(snapshot, pair{id, h})
	}
	r.mu.RUnlock()

	ok := 0
	for _, p := range snapshot {
		if err := fn(p.userID, p.h); err != nil {
			slog.Debug("dropping stream after failed write", "user_id", p.userID, "error", err)
			r.Release(p.userID, p.h)
			continue
		}
		ok++
	}
	return ok
}

// Len implements Registry.
func (r *StreamRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.streams)
}

// Users implements Registry. Each user owns at most one stream.
func (r *StreamRegistry) Users() int {
	return r.Len()
}

type set map[string]struct{}

func (s set) keys() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}

type socketEntry struct {
	handle Handle
	users  set
	rooms  set
}

// SocketRegistry tracks every socket per user plus room membership.
type SocketRegistry struct {
	mu      sync.RWMutex
	users   map[string]set
	rooms   map[string]set
	sockets map[string]*socketEntry
}

// NewSocketRegistry returns an empty registry.
func NewSocketRegistry() *SocketRegistry {
	return &SocketRegistry{
		users:   make(map[string]set),
		rooms:   make(map[string]set),
		sockets: make(map[string]*socketEntry),
	}
}

// entry returns the bookkeeping for socketID, creating it. Caller holds mu.
func (r *SocketRegistry) entry(socketID string) *socketEntry {
	e, ok := r.sockets[socketID]
	if !ok {
		e = &socketEntry{users: make(set), rooms: make(set)}
		r.sockets[socketID] = e
	}
	return e
}

// Attach binds a transport handle to socketID so room emits can reach it.
func (r *SocketRegistry) Attach(socketID string, h Handle) {
	r.mu.Lock()
	r.entry(socketID).handle = h
	r.mu.Unlock()
}

// Register adds socketID to the set for userID.
func (r *SocketRegistry) Register(userID, socketID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids, ok := r.users[userID]
	if !ok {
		ids = make(set)
		r.users[userID] = ids
	}
	ids[socketID] = struct{}{}
	r.entry(socketID).users[userID] = struct{}{}
}

// Unregister removes socketID from userID's set, dropping the user key once
// the set is empty.
func (r *SocketRegistry) Unregister(userID, socketID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregisterLocked(userID, socketID)
}

func (r *SocketRegistry) unregisterLocked(userID, socketID string) {
	if ids, ok := r.users[userID]; ok {
		delete(ids, socketID)
		if len(ids) == 0 {
			delete(r.users, userID)
		}
	}
	if e, ok := r.sockets[socketID]; ok {
		delete(e.users, userID)
	}
}

// SocketIDsFor returns the live socket ids of userID, possibly empty.
func (r *SocketRegistry) SocketIDsFor(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.users[userID].keys()
}

// Join adds socketID to room.
func (r *SocketRegistry) Join(socketID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		members = make(set)
		r.rooms[room] = members
	}
	members[socketID] = struct{}{}
	r.entry(socketID).rooms[room] = struct{}{}
}

// Leave removes socketID from room. Leaving a room twice is a no-op.
func (r *SocketRegistry) Leave(socketID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(socketID, room)
}

func (r *SocketRegistry) leaveLocked(socketID, room string) {
	if members, ok := r.rooms[room]; ok {
		delete(members, socketID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	if e, ok := r.sockets[socketID]; ok {
		delete(e.rooms, room)
	}
}

// InRoom reports whether socketID is a member of room.
func (r *SocketRegistry) InRoom(socketID, room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[room][socketID]
	return ok
}

// Drop clears every user mapping and room membership of socketID.
func (r *SocketRegistry) Drop(socketID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sockets[socketID]
	if !ok {
		return
	}
	for userID := range e.users {
		r.unregisterLocked(userID, socketID)
	}
	for room := range e.rooms {
		r.leaveLocked(socketID, room)
	}
	delete(r.sockets, socketID)
}

// EmitToRooms sends frame once to every socket in the union of rooms. A
// socket whose send fails is dropped. It returns the number of sockets reached.
func (r *SocketRegistry) EmitToRooms(frame []byte, rooms ...string) int {
	r.mu.RLock()
	targets := make(map[string]Handle)
	for _, room := range rooms {
		for id := range r.rooms[room] {
			if e, ok := r.sockets[id]; ok && e.handle != nil {
				targets[id] = e.handle
			}
		}
	}
	r.mu.RUnlock()

	reached := 0
	for id, h := range targets {
		if err := h.Send(frame); err != nil {
			slog.Debug("dropping socket after failed emit", "socket_id", id, "error", err)
			r.Drop(id)
			continue
		}
		reached++
	}
	return reached
}

// Len implements Registry.
func (r *SocketRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, e := range r.sockets {
		if e.handle != nil {
			n++
		}
	}
	return n
}

// Users implements Registry.
func (r *SocketRegistry) Users() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}
