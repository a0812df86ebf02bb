package relay

import (
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Beam/internal/core"
	"github.com/dkeye/Beam/internal/domain"
	"github.com/dkeye/Beam/internal/protocol"
)

var (
	ErrHostExists  = errors.New("room already has a host")
	ErrNotInRoom   = errors.New("peer is not in a room")
	ErrUnknownPeer = errors.New("target is not in this room")
)

type peer struct {
	id   domain.PeerID
	conn core.SignalConnection
}

type room struct {
	id      domain.RoomID
	host    domain.PeerID
	members map[domain.PeerID]domain.Role
}

type membership struct {
	room domain.RoomID
	role domain.Role
}

// JoinResult is what a successful join tells the joiner and the room.
type JoinResult struct {
	Host  domain.PeerID
	Peers []protocol.PeerInfo
	// Mates are the other members, to be told about the newcomer.
	Mates []*peer
	// Left is set when the join moved the peer out of another room.
	Left      domain.RoomID
	LeftMates []*peer
}

// Registry tracks connected peers and their rooms.
type Registry struct {
	mu    sync.RWMutex
	peers map[domain.PeerID]*peer
	in    map[domain.PeerID]membership
	rooms map[domain.RoomID]*room
}

func NewRegistry() *Registry {
	return &Registry{
		peers: make(map[domain.PeerID]*peer),
		in:    make(map[domain.PeerID]membership),
		rooms: make(map[domain.RoomID]*room),
	}
}

func (r *Registry) Bind(id domain.PeerID, conn core.SignalConnection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[id] = &peer{id: id, conn: conn}
	log.Info().Str("module", "relay.registry").Str("peer", string(id)).Msg("bound peer")
}

func (r *Registry) Peer(id domain.PeerID) (*peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// RoomOf returns the room and role of id, if it has joined one.
func (r *Registry) RoomOf(id domain.PeerID) (domain.RoomID, domain.Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.in[id]
	return m.room, m.role, ok
}

// Join puts id in roomID with role. A peer already in a room leaves it first.
func (r *Registry) Join(id domain.PeerID, roomID domain.RoomID, role domain.Role) (JoinResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res JoinResult
	target := r.rooms[roomID]
	if role == domain.RoleHost && target != nil && target.host != "" && target.host != id {
		return res, ErrHostExists
	}
	if cur, ok := r.in[id]; ok {
		if cur.room == roomID && cur.role == role {
			res.Host = target.host
			res.Peers = r.othersLocked(target, id)
			return res, nil
		}
		res.Left = cur.room
		res.LeftMates = r.leaveLocked(id)
		target = r.rooms[roomID]
	}
	if target == nil {
		target = &room{id: roomID, members: make(map[domain.PeerID]domain.Role)}
		r.rooms[roomID] = target
	}
	res.Peers = r.othersLocked(target, id)
	for pid := range target.members {
		if p := r.peers[pid]; p != nil {
			res.Mates = append(res.Mates, p)
		}
	}
	target.members[id] = role
	if role == domain.RoleHost {
		target.host = id
	}
	r.in[id] = membership{room: roomID, role: role}
	res.Host = target.host
	log.Info().
		Str("module", "relay.registry").
		Str("peer", string(id)).
		Str("room", string(roomID)).
		Str("role", string(role)).
		Int("members", len(target.members)).
		Msg("joined room")
	return res, nil
}

func (r *Registry) othersLocked(rm *room, self domain.PeerID) []protocol.PeerInfo {
	out := make([]protocol.PeerInfo, 0, len(rm.members))
	for pid, role := range rm.members {
		if pid != self {
			out = append(out, protocol.PeerInfo{PeerID: pid, Role: role})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}

// Unbind forgets id and returns the room it was in and the members left
// behind, which should hear peer-left.
func (r *Registry) Unbind(id domain.PeerID) (domain.RoomID, []*peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	roomID := r.in[id].room
	mates := r.leaveLocked(id)
	delete(r.peers, id)
	log.Info().Str("module", "relay.registry").Str("peer", string(id)).Msg("unbind peer")
	return roomID, mates
}

func (r *Registry) leaveLocked(id domain.PeerID) []*peer {
	m, ok := r.in[id]
	if !ok {
		return nil
	}
	delete(r.in, id)
	rm := r.rooms[m.room]
	if rm == nil {
		return nil
	}
	delete(rm.members, id)
	if rm.host == id {
		rm.host = ""
	}
	if len(rm.members) == 0 {
		delete(r.rooms, m.room)
		log.Info().Str("module", "relay.registry").Str("room", string(m.room)).Msg("room closed")
		return nil
	}
	mates := make([]*peer, 0, len(rm.members))
	for pid := range rm.members {
		if p := r.peers[pid]; p != nil {
			mates = append(mates, p)
		}
	}
	return mates
}

// Route finds the target of a signal sent by from.
func (r *Registry) Route(from, to domain.PeerID) (*peer, domain.RoomID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.in[from]
	if !ok {
		return nil, "", ErrNotInRoom
	}
	dst, ok := r.in[to]
	if !ok || dst.room != m.room {
		return nil, m.room, ErrUnknownPeer
	}
	p := r.peers[to]
	if p == nil {
		return nil, m.room, ErrUnknownPeer
	}
	return p, m.room, nil
}

// Counts reports live rooms and connected peers.
func (r *Registry) Counts() (rooms, peers int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms), len(r.peers)
}

// All returns every connected peer.
func (r *Registry) All() []*peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}
