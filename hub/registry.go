package hub

import (
	"errors"
	"sync"
)

var (
	ErrConnClosed   = errors.New("connection closed")
	ErrBackpressure = errors.New("send buffer full")
)

// Conn is a live client connection. Send must not block.
type Conn interface {
	ID() string
	Send(data []byte) error
	Close()
}

type Membership struct {
	RoomId string
	UserId string
}

type Stats struct {
	Rooms   int            `json:"rooms"`
	Conns   int            `json:"connections"`
	PerRoom map[string]int `json:"perRoom"`
}

// Registry tracks which room each connection is in. A connection belongs to at most
// one room at a time.
type Registry struct {
	mu              sync.RWMutex
	defaultCapacity int
	rooms           map[string]map[Conn]string
	memberships     map[Conn]Membership
	capacities      map[string]int
}

// NewRegistry creates a registry. defaultCapacity <= 0 means rooms are unbounded
// unless SetCapacity says otherwise.
func NewRegistry(defaultCapacity int) *Registry {
	return &Registry{
		defaultCapacity: defaultCapacity,
		rooms:           make(map[string]map[Conn]string),
		memberships:     make(map[Conn]Membership),
		capacities:      make(map[string]int),
	}
}

func (r *Registry) SetCapacity(roomId string, capacity int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if capacity <= 0 {
		delete(r.capacities, roomId)
		return
	}
	r.capacities[roomId] = capacity
}

func (r *Registry) capacityLocked(roomId string) int {
	if c, ok := r.capacities[roomId]; ok {
		return c
	}
	return r.defaultCapacity
}

// Join puts conn in roomId, moving it out of any other room first. It returns false
// without changing anything when the room is full.
func (r *Registry) Join(roomId string, conn Conn, userId string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, member := r.memberships[conn]
	if member && current.RoomId == roomId {
		r.rooms[roomId][conn] = userId
		r.memberships[conn] = Membership{RoomId: roomId, UserId: userId}
		return true
	}

	if capacity := r.capacityLocked(roomId); capacity > 0 && len(r.rooms[roomId]) >= capacity {
		return false
	}

	if member {
		r.removeLocked(conn, current)
	}

	if r.rooms[roomId] == nil {
		r.rooms[roomId] = make(map[Conn]string)
	}
	r.rooms[roomId][conn] = userId
	r.memberships[conn] = Membership{RoomId: roomId, UserId: userId}
	return true
}

// Leave removes conn from its room. The second result is false if conn was in no room.
func (r *Registry) Leave(conn Conn) (Membership, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.memberships[conn]
	if !ok {
		return Membership{}, false
	}
	r.removeLocked(conn, m)
	return m, true
}

func (r *Registry) removeLocked(conn Conn, m Membership) {
	delete(r.memberships, conn)
	delete(r.rooms[m.RoomId], conn)
	if len(r.rooms[m.RoomId]) == 0 {
		delete(r.rooms, m.RoomId)
		delete(r.capacities, m.RoomId)
	}
}

func (r *Registry) MembershipOf(conn Conn) (Membership, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.memberships[conn]
	return m, ok
}

// MembersOf returns a snapshot; later joins and leaves do not affect it.
func (r *Registry) MembersOf(roomId string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]Conn, 0, len(r.rooms[roomId]))
	for c := range r.rooms[roomId] {
		conns = append(conns, c)
	}
	return conns
}

func (r *Registry) ConnsOfUser(roomId string, userId string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var conns []Conn
	for c, uid := range r.rooms[roomId] {
		if uid == userId {
			conns = append(conns, c)
		}
	}
	return conns
}

// HasUser reports whether userId has a connection in any room.
func (r *Registry) HasUser(userId string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, m := range r.memberships {
		if m.UserId == userId {
			return true
		}
	}
	return false
}

// CloseRoom drops every membership of roomId and hands the connections back for the
// caller to close.
func (r *Registry) CloseRoom(roomId string) []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	conns := make([]Conn, 0, len(r.rooms[roomId]))
	for c := range r.rooms[roomId] {
		conns = append(conns, c)
		delete(r.memberships, c)
	}
	delete(r.rooms, roomId)
	delete(r.capacities, roomId)
	return conns
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		Rooms:   len(r.rooms),
		Conns:   len(r.memberships),
		PerRoom: make(map[string]int, len(r.rooms)),
	}
	for roomId, conns := range r.rooms {
		stats.PerRoom[roomId] = len(conns)
	}
	return stats
}
