package realtime

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"conversation-service/internal/models"
)

// Registry tracks which identity holds a live connection and which
// connections are subscribed to each conversation room. One identity owns at
// most one connection; the identity map doubles as the personal room.
type Registry struct {
	mu         sync.RWMutex
	conns      map[string]Conn                // connID -> connection
	identities map[models.Identity]string     // identity -> connID
	rooms      map[string]map[string]Conn     // conversationID -> connID -> connection
	connRooms  map[string]map[string]struct{} // connID -> conversationIDs

	log zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		conns:      make(map[string]Conn),
		identities: make(map[models.Identity]string),
		rooms:      make(map[string]map[string]Conn),
		connRooms:  make(map[string]map[string]struct{}),
		log:        log.With().Str("component", "registry").Logger(),
	}
}

// Attach records conn as the live connection of its identity. A previous
// connection for the same identity is detached and closed; it is returned so
// callers can log the replacement.
func (r *Registry) Attach(conn Conn) Conn {
	var previous Conn

	r.mu.Lock()
	if existingID, ok := r.identities[conn.Identity()]; ok && existingID != conn.ID() {
		previous = r.conns[existingID]
		r.detachLocked(existingID)
	}
	r.conns[conn.ID()] = conn
	r.identities[conn.Identity()] = conn.ID()
	r.mu.Unlock()

	if previous != nil {
		previous.Close(CloseSessionReplaced, "session replaced")
	}
	return previous
}

// Detach forgets conn and removes it from every room. It reports whether the
// identity went offline, which is false when conn had already been replaced.
func (r *Registry) Detach(conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[conn.ID()]; !ok {
		return false
	}
	wasCurrent := r.identities[conn.Identity()] == conn.ID()
	r.detachLocked(conn.ID())
	return wasCurrent
}

// Join subscribes conn to the conversation room. It returns false when conn
// is not attached.
func (r *Registry) Join(conversationID string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[conn.ID()]; !ok {
		return false
	}

	room := r.rooms[conversationID]
	if room == nil {
		room = make(map[string]Conn)
		r.rooms[conversationID] = room
	}
	room[conn.ID()] = conn

	memberships := r.connRooms[conn.ID()]
	if memberships == nil {
		memberships = make(map[string]struct{})
		r.connRooms[conn.ID()] = memberships
	}
	memberships[conversationID] = struct{}{}
	return true
}

// Leave removes conn from the conversation room.
func (r *Registry) Leave(conversationID string, conn Conn) {
	r.mu.Lock()
	r.leaveLocked(conversationID, conn.ID())
	r.mu.Unlock()
}

// DropRoom dissolves the room and returns the connections that were in it.
func (r *Registry) DropRoom(conversationID string) []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.rooms[conversationID]
	members := make([]Conn, 0, len(room))
	for connID, conn := range room {
		members = append(members, conn)
		if memberships, ok := r.connRooms[connID]; ok {
			delete(memberships, conversationID)
			if len(memberships) == 0 {
				delete(r.connRooms, connID)
			}
		}
	}
	delete(r.rooms, conversationID)
	return members
}

// Members returns a snapshot of the room.
func (r *Registry) Members(conversationID string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.rooms[conversationID]
	members := make([]Conn, 0, len(room))
	for _, conn := range room {
		members = append(members, conn)
	}
	return members
}

// RoomSize returns the number of connections in the room.
func (r *Registry) RoomSize(conversationID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[conversationID])
}

// InRoom reports whether the connection is subscribed to the room.
func (r *Registry) InRoom(conversationID, connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[conversationID][connID]
	return ok
}

// ConnectionFor returns the live connection of identity.
func (r *Registry) ConnectionFor(identity models.Identity) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connID, ok := r.identities[identity]
	if !ok {
		return nil, false
	}
	conn, ok := r.conns[connID]
	return conn, ok
}

func (r *Registry) IsOnline(identity models.Identity) bool {
	_, ok := r.ConnectionFor(identity)
	return ok
}

// IsBusy reports whether the identity's connection is a member of at least one room.
func (r *Registry) IsBusy(identity models.Identity) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connID, ok := r.identities[identity]
	if !ok {
		return false
	}
	return len(r.connRooms[connID]) > 0
}

// Count returns the number of attached connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// BroadcastRoom sends evt to every member of the room except exceptConnID
// and returns how many sends succeeded.
func (r *Registry) BroadcastRoom(conversationID string, evt models.Event, exceptConnID string) int {
	payload, ok := r.encode(evt)
	if !ok {
		return 0
	}

	delivered := 0
	for _, conn := range r.Members(conversationID) {
		if exceptConnID != "" && conn.ID() == exceptConnID {
			continue
		}
		if r.send(conn, payload) {
			delivered++
		}
	}
	return delivered
}

// Notify sends evt to the personal room of identity.
func (r *Registry) Notify(identity models.Identity, evt models.Event) bool {
	conn, ok := r.ConnectionFor(identity)
	if !ok {
		return false
	}
	payload, ok := r.encode(evt)
	if !ok {
		return false
	}
	return r.send(conn, payload)
}

// Deliver sends evt to an explicit set of connections, typically the snapshot
// returned by DropRoom.
func (r *Registry) Deliver(conns []Conn, evt models.Event) int {
	payload, ok := r.encode(evt)
	if !ok {
		return 0
	}
	delivered := 0
	for _, conn := range conns {
		if r.send(conn, payload) {
			delivered++
		}
	}
	return delivered
}

// BroadcastAll sends evt to every attached connection.
func (r *Registry) BroadcastAll(evt models.Event) int {
	payload, ok := r.encode(evt)
	if !ok {
		return 0
	}

	r.mu.RLock()
	conns := make([]Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, conn := range conns {
		if r.send(conn, payload) {
			delivered++
		}
	}
	return delivered
}

// Close closes every connection and clears all state.
func (r *Registry) Close() {
	r.mu.Lock()
	conns := make([]Conn, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.conns = make(map[string]Conn)
	r.identities = make(map[models.Identity]string)
	r.rooms = make(map[string]map[string]Conn)
	r.connRooms = make(map[string]map[string]struct{})
	r.mu.Unlock()

	for _, conn := range conns {
		conn.Close(1001, "server shutdown")
	}
}

func (r *Registry) send(conn Conn, payload []byte) bool {
	if err := conn.Send(payload); err != nil {
		r.log.Debug().Err(err).Str("conn_id", conn.ID()).Str("identity", conn.Identity().String()).Msg("websocket send dropped")
		return false
	}
	return true
}

func (r *Registry) encode(evt models.Event) ([]byte, bool) {
	payload, err := json.Marshal(evt)
	if err != nil {
		r.log.Error().Err(err).Str("event", evt.Event).Msg("encode event")
		return nil, false
	}
	return payload, true
}

func (r *Registry) detachLocked(connID string) {
	conn, ok := r.conns[connID]
	if !ok {
		return
	}
	delete(r.conns, connID)

	if current, ok := r.identities[conn.Identity()]; ok && current == connID {
		delete(r.identities, conn.Identity())
	}

	for roomID := range r.connRooms[connID] {
		r.leaveLocked(roomID, connID)
	}
	delete(r.connRooms, connID)
}

func (r *Registry) leaveLocked(conversationID, connID string) {
	room := r.rooms[conversationID]
	if room == nil {
		return
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(r.rooms, conversationID)
	}
	if memberships, ok := r.connRooms[connID]; ok {
		delete(memberships, conversationID)
		if len(memberships) == 0 {
			delete(r.connRooms, connID)
		}
	}
}
