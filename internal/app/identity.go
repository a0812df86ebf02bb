package app

import (
	"sync"

	"github.com/dkeye/Beam/internal/domain"
)

// Identity is who this participant is in the current room: the name the user
// chose, the id the relay assigned and the host id last announced. Ids are
// cleared on Reset; the name survives.
type Identity struct {
	mu   sync.Mutex
	name string
	room domain.RoomID
	role domain.Role
	self domain.PeerID
	host domain.PeerID
}

func NewIdentity(room domain.RoomID, role domain.Role, name string) *Identity {
	n, err := domain.NormalizeName(name)
	if err != nil {
		n = domain.UnknownName
	}
	return &Identity{name: n, room: room, role: role}
}

func (i *Identity) Name() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.name
}

func (i *Identity) Room() domain.RoomID {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.room
}

func (i *Identity) Role() domain.Role {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.role
}

func (i *Identity) Self() domain.PeerID {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.self
}

func (i *Identity) Host() domain.PeerID {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.host
}

func (i *Identity) SetSelf(id domain.PeerID) {
	i.mu.Lock()
	i.self = id
	i.mu.Unlock()
}

func (i *Identity) SetHost(id domain.PeerID) {
	i.mu.Lock()
	i.host = id
	i.mu.Unlock()
}

// ProfileReady reports whether own id, host id and name are all known, which
// is when a viewer can introduce itself to the host.
func (i *Identity) ProfileReady() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.self != "" && i.host != "" && i.name != "" && i.self != i.host
}

// Reset forgets the relay-assigned ids, as after a reconnect.
func (i *Identity) Reset() {
	i.mu.Lock()
	i.self = ""
	i.host = ""
	i.mu.Unlock()
}
