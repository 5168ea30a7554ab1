// Package presence tracks which peers are in which rooms.
//
// All state is in memory and owned by a Registry. Every mutation runs under a
// single registry-wide lock, so bind, unbind and mute updates are linearizable
// across all rooms.
package presence

import (
	"errors"
	"sort"
	"sync"
)

// ConnID identifies a transport connection. It is assigned by the transport
// and only meaningful while the connection is open.
type ConnID string

// ErrPeerIDTaken is returned by Bind when another connection already holds the
// requested peer ID in the room.
var ErrPeerIDTaken = errors.New("presence: peer id already bound in room")

// Peer is one member of a room as other peers see it.
type Peer struct {
	PeerID      string `json:"peerId"`
	DisplayName string `json:"displayName"`
	IsMuted     bool   `json:"isMuted"`

	Conn ConnID `json:"-"`
}

// Room is a snapshot of a non-empty room.
type Room struct {
	RoomID    string `json:"roomId"`
	PeerCount int    `json:"peerCount"`
	Peers     []Peer `json:"peers"`
}

// Binding is the room membership held by one connection.
type Binding struct {
	Conn        ConnID
	RoomID      string
	PeerID      string
	DisplayName string
}

// Departure describes a removed binding and what is left of its room.
// Remaining is empty when the room was deleted.
type Departure struct {
	Binding
	Remaining []Peer
}

// JoinResult describes the registry state around a successful Bind.
type JoinResult struct {
	// Before is the room membership immediately before the insertion.
	Before    []Peer
	IsNewRoom bool
	// Displaced is set when the connection was already bound and the earlier
	// binding was removed as part of this join.
	Displaced *Departure
}

type member struct {
	conn        ConnID
	displayName string
	isMuted     bool
}

// Registry is the process-wide room membership table. The zero value is not
// usable; call NewRegistry.
type Registry struct {
	mu       sync.RWMutex
	rooms    map[string]map[string]*member
	bindings map[ConnID]Binding
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		rooms:    make(map[string]map[string]*member),
		bindings: make(map[ConnID]Binding),
	}
}

// Bind associates conn with (roomID, peerID). A connection that is already
// bound leaves its previous room first, atomically with the new insertion.
func (r *Registry) Bind(conn ConnID, roomID, peerID, displayName string) (JoinResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if room, ok := r.rooms[roomID]; ok {
		if m, ok := room[peerID]; ok && m.conn != conn {
			return JoinResult{}, ErrPeerIDTaken
		}
	}

	var res JoinResult
	if _, ok := r.bindings[conn]; ok {
		dep, _ := r.unbindLocked(conn)
		res.Displaced = &dep
	}

	room, ok := r.rooms[roomID]
	if !ok {
		room = make(map[string]*member)
		r.rooms[roomID] = room
		res.IsNewRoom = true
	}
	res.Before = peersOf(room)

	room[peerID] = &member{conn: conn, displayName: displayName}
	r.bindings[conn] = Binding{
		Conn:        conn,
		RoomID:      roomID,
		PeerID:      peerID,
		DisplayName: displayName,
	}
	return res, nil
}

// Unbind removes the binding for conn. It reports false, and does nothing,
// when conn was never bound or already left.
func (r *Registry) Unbind(conn ConnID) (Departure, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.unbindLocked(conn)
}

func (r *Registry) unbindLocked(conn ConnID) (Departure, bool) {
	b, ok := r.bindings[conn]
	if !ok {
		return Departure{}, false
	}
	delete(r.bindings, conn)

	dep := Departure{Binding: b}
	room, ok := r.rooms[b.RoomID]
	if !ok {
		return dep, true
	}
	if m, ok := room[b.PeerID]; ok && m.conn == conn {
		delete(room, b.PeerID)
	}
	if len(room) == 0 {
		delete(r.rooms, b.RoomID)
		return dep, true
	}
	dep.Remaining = peersOf(room)
	return dep, true
}

// SetMuted updates the mute flag of the peer bound to conn.
func (r *Registry) SetMuted(conn ConnID, isMuted bool) (Binding, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bindings[conn]
	if !ok {
		return Binding{}, false
	}
	m, ok := r.rooms[b.RoomID][b.PeerID]
	if !ok || m.conn != conn {
		return Binding{}, false
	}
	m.isMuted = isMuted
	return b, true
}

// SnapshotAll returns every room sorted by room ID, peers sorted by peer ID.
func (r *Registry) SnapshotAll() []Room {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Room, 0, len(r.rooms))
	for id, room := range r.rooms {
		peers := peersOf(room)
		out = append(out, Room{RoomID: id, PeerCount: len(peers), Peers: peers})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoomID < out[j].RoomID })
	return out
}

// Peers returns the membership of a single room, or nil if it does not exist.
func (r *Registry) Peers(roomID string) []Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	return peersOf(room)
}

// Lookup returns the binding held by conn, if any.
func (r *Registry) Lookup(conn ConnID) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bindings[conn]
	return b, ok
}

// Route resolves the connections that an addressed relay from `from` to
// peerID should reach. A bound sender only reaches peers in its own room; an
// unbound sender reaches every binding with that peer ID.
func (r *Registry) Route(from ConnID, peerID string) []ConnID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if b, ok := r.bindings[from]; ok {
		if m, ok := r.rooms[b.RoomID][peerID]; ok {
			return []ConnID{m.conn}
		}
		return nil
	}

	var out []ConnID
	for _, room := range r.rooms {
		if m, ok := room[peerID]; ok {
			out = append(out, m.conn)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Stats reports the number of rooms and bound connections.
func (r *Registry) Stats() (rooms, peers int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms), len(r.bindings)
}

func peersOf(room map[string]*member) []Peer {
	out := make([]Peer, 0, len(room))
	for id, m := range room {
		out = append(out, Peer{PeerID: id, DisplayName: m.displayName, IsMuted: m.isMuted, Conn: m.conn})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}
