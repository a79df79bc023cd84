// Package registry is the per-gateway-instance table of live connections and
// the rooms they have joined. Membership here is authoritative only within
// this instance; cross-instance fan-out happens above, over the coordination
// store's pub/sub.
package registry

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrAlreadyRegistered = errors.New("registry: connection already registered")
	ErrUnknownConnection = errors.New("registry: unknown connection")
	ErrConnectionClosed  = errors.New("registry: connection closed")
	ErrUnknownRoom       = errors.New("registry: unknown room")
	ErrNotAMember        = errors.New("registry: user is not a room member")
)

type Registry struct {
	connMu sync.RWMutex
	conns  map[uuid.UUID]*Connection

	// roomMu guards only the room table itself; each room's membership is
	// guarded by the room's own lock.
	roomMu sync.RWMutex
	rooms  map[string]*room

	logger *slog.Logger
}

func New(logger *slog.Logger) *Registry {
	return &Registry{
		conns:  make(map[uuid.UUID]*Connection),
		rooms:  make(map[string]*room),
		logger: logger.With(slog.String("component", "registry")),
	}
}

// Register records an admitted connection. The caller has already passed rate
// limiting and session admission, so the connection enters in StateAdmitted.
func (r *Registry) Register(t Transport, userID, ipAddr string) (*Connection, error) {
	r.connMu.Lock()
	defer r.connMu.Unlock()

	connID := t.ID()
	if _, exists := r.conns[connID]; exists {
		return nil, ErrAlreadyRegistered
	}

	conn := &Connection{
		ID:        connID,
		UserID:    userID,
		IPAddress: ipAddr,
		Transport: t,
		CreatedAt: time.Now(),
		state:     StateAdmitted,
		rooms:     make(map[string]struct{}),
	}
	r.conns[connID] = conn
	r.logger.Debug("Connection registered",
		slog.String("connID", connID.String()),
		slog.String("userID", userID),
	)
	return conn, nil
}

// Deregister removes the connection from the registry and from every room it
// joined, returning the ids of the rooms it left so the caller can emit
// departure events. It is idempotent: deregistering an unknown or already
// closed connection returns no rooms.
func (r *Registry) Deregister(connID uuid.UUID) []string {
	r.connMu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.connMu.Unlock()
		return nil
	}
	delete(r.conns, connID)
	conn.state = StateClosed
	left := make([]string, 0, len(conn.rooms))
	for roomID := range conn.rooms {
		left = append(left, roomID)
	}
	conn.rooms = nil
	r.connMu.Unlock()

	for _, roomID := range left {
		r.removeFromRoom(conn, roomID)
	}

	r.logger.Debug("Connection deregistered",
		slog.String("connID", connID.String()),
		slog.Int("roomsLeft", len(left)),
	)
	return left
}

// Get returns the registry's record for a connection.
func (r *Registry) Get(connID uuid.UUID) (*Connection, bool) {
	r.connMu.RLock()
	defer r.connMu.RUnlock()
	conn, ok := r.conns[connID]
	return conn, ok
}

// State reports a connection's lifecycle state; unknown connections are
// reported closed.
func (r *Registry) State(connID uuid.UUID) State {
	r.connMu.RLock()
	defer r.connMu.RUnlock()
	if conn, ok := r.conns[connID]; ok {
		return conn.state
	}
	return StateClosed
}

// InRoom reports whether a connection has joined a room.
func (r *Registry) InRoom(connID uuid.UUID, roomID string) bool {
	r.connMu.RLock()
	defer r.connMu.RUnlock()
	conn, ok := r.conns[connID]
	if !ok {
		return false
	}
	_, joined := conn.rooms[roomID]
	return joined
}

// Join attaches a connection to a room, creating the room lazily.
// Authorization for the room is the caller's concern and has already
// happened; the registry only rejects closed handles.
func (r *Registry) Join(connID uuid.UUID, roomID string) error {
	r.connMu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.connMu.Unlock()
		return ErrUnknownConnection
	}
	if conn.state == StateClosed {
		r.connMu.Unlock()
		return ErrConnectionClosed
	}
	conn.state = StateJoined
	conn.rooms[roomID] = struct{}{}
	r.connMu.Unlock()

	rm := r.getOrCreateRoom(roomID)
	rm.mu.Lock()
	rm.members[connID] = conn
	rm.mu.Unlock()

	// A deregistration can race into the gap between releasing connMu and
	// the insert above; its room sweep would have found nothing to remove,
	// leaving a closed connection as a permanent member. Re-check and undo.
	r.connMu.RLock()
	_, alive := r.conns[connID]
	r.connMu.RUnlock()
	if !alive {
		r.removeFromRoom(conn, roomID)
		return ErrConnectionClosed
	}

	r.logger.Debug("Connection joined room",
		slog.String("connID", connID.String()),
		slog.String("roomID", roomID),
	)
	return nil
}

// Leave detaches a connection from one room, destroying the room if it is now
// empty.
func (r *Registry) Leave(connID uuid.UUID, roomID string) error {
	r.connMu.Lock()
	conn, ok := r.conns[connID]
	if ok {
		delete(conn.rooms, roomID)
	}
	r.connMu.Unlock()
	if !ok {
		return ErrUnknownConnection
	}

	r.removeFromRoom(conn, roomID)
	return nil
}

// Broadcast delivers a message to every member of a room except connections
// belonging to the excluded identity (empty string excludes nobody). A send
// failure to one member closes that member's transport without aborting
// delivery to the rest. Holding the room's lock for the duration gives all
// members the same per-room ordering for messages from the same originator.
func (r *Registry) Broadcast(roomID string, message []byte, excludeUserID string) int {
	r.roomMu.RLock()
	rm, ok := r.rooms[roomID]
	r.roomMu.RUnlock()
	if !ok {
		return 0
	}

	var failed []*Connection
	delivered := 0

	rm.mu.Lock()
	for _, member := range rm.members {
		if excludeUserID != "" && member.UserID == excludeUserID {
			continue
		}
		if err := member.Transport.Send(message); err != nil {
			r.logger.Warn("Broadcast send failed; evicting member",
				slog.String("roomID", roomID),
				slog.String("connID", member.ID.String()),
				slog.Any("error", err),
			)
			failed = append(failed, member)
			continue
		}
		delivered++
	}
	rm.mu.Unlock()

	// Closing a failed transport triggers its onClose handler, which runs
	// the normal deregistration path. Done outside the room lock.
	for _, member := range failed {
		member.Transport.Close(ErrConnectionClosed)
	}
	return delivered
}

// SendToUser delivers a message to a single identity's connections within a
// room.
func (r *Registry) SendToUser(roomID, userID string, message []byte) error {
	r.roomMu.RLock()
	rm, ok := r.rooms[roomID]
	r.roomMu.RUnlock()
	if !ok {
		return ErrUnknownRoom
	}

	var failed []*Connection
	sent := false

	rm.mu.Lock()
	for _, member := range rm.members {
		if member.UserID != userID {
			continue
		}
		if err := member.Transport.Send(message); err != nil {
			failed = append(failed, member)
			continue
		}
		sent = true
	}
	rm.mu.Unlock()

	for _, member := range failed {
		member.Transport.Close(ErrConnectionClosed)
	}
	if !sent {
		return ErrNotAMember
	}
	return nil
}

// RoomUserIDs returns the distinct identities present in a room.
func (r *Registry) RoomUserIDs(roomID string) []string {
	r.roomMu.RLock()
	rm, ok := r.rooms[roomID]
	r.roomMu.RUnlock()
	if !ok {
		return nil
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	seen := make(map[string]struct{}, len(rm.members))
	ids := make([]string, 0, len(rm.members))
	for _, member := range rm.members {
		if _, dup := seen[member.UserID]; dup {
			continue
		}
		seen[member.UserID] = struct{}{}
		ids = append(ids, member.UserID)
	}
	return ids
}

// RoomSize returns the number of member connections in a room.
func (r *Registry) RoomSize(roomID string) int {
	r.roomMu.RLock()
	rm, ok := r.rooms[roomID]
	r.roomMu.RUnlock()
	if !ok {
		return 0
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.members)
}

// ConnectionCount returns the number of live connections on this instance.
func (r *Registry) ConnectionCount() int {
	r.connMu.RLock()
	defer r.connMu.RUnlock()
	return len(r.conns)
}

// AllConnections snapshots the live connections, used for shutdown.
func (r *Registry) AllConnections() []*Connection {
	r.connMu.RLock()
	defer r.connMu.RUnlock()

	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

func (r *Registry) getOrCreateRoom(roomID string) *room {
	r.roomMu.Lock()
	defer r.roomMu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{id: roomID, members: make(map[uuid.UUID]*Connection)}
		r.rooms[roomID] = rm
		r.logger.Debug("Room created", slog.String("roomID", roomID))
	}
	return rm
}

func (r *Registry) removeFromRoom(conn *Connection, roomID string) {
	r.roomMu.Lock()
	rm, ok := r.rooms[roomID]
	if !ok {
		r.roomMu.Unlock()
		return
	}

	rm.mu.Lock()
	delete(rm.members, conn.ID)
	empty := len(rm.members) == 0
	rm.mu.Unlock()

	// Rooms are destroyed when their member set becomes empty.
	if empty {
		delete(r.rooms, roomID)
		r.logger.Debug("Removed empty room", slog.String("roomID", roomID))
	}
	r.roomMu.Unlock()
}
