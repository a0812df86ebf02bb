package app

import (
	"slices"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Beam/internal/core"
	"github.com/dkeye/Beam/internal/domain"
)

// Link is the media session of one viewer.
type Link interface {
	Close()
}

// ViewerEntry is one admitted viewer. Link is nil while the viewer is idle,
// that is before media is shared or after the share stopped.
type ViewerEntry struct {
	PeerID domain.PeerID
	Link   Link
	State  webrtc.PeerConnectionState
	Video  core.EncodingSender
	Audio  core.EncodingSender
}

func (e *ViewerEntry) Connected() bool {
	return e.Link != nil && e.State == webrtc.PeerConnectionStateConnected
}

// detach closes the link and returns the entry to idle.
func (e *ViewerEntry) detach() {
	if e.Link != nil {
		e.Link.Close()
	}
	e.Link = nil
	e.State = webrtc.PeerConnectionStateNew
	e.Video = nil
	e.Audio = nil
}

// RegistryHooks are called synchronously from Admit, Remove and SetState.
type RegistryHooks struct {
	// BringUp starts media for an admitted viewer while media is active.
	BringUp func(*ViewerEntry)
	// Rejected fires for a viewer turned away because the room is full.
	Rejected func(id domain.PeerID, waiting int)
	// FullCleared fires when a room-full notice no longer applies.
	FullCleared func()
	// ConnectedChanged fires with the new number of connected viewers.
	ConnectedChanged func(n int)
}

// ViewerRegistry is the host's table of viewers, bounded by a capacity.
// Viewers turned away are remembered in arrival order and admitted when a
// slot frees. It is not safe for concurrent use; the host loop owns it.
type ViewerRegistry struct {
	capacity    int
	hooks       RegistryHooks
	entries     map[domain.PeerID]*ViewerEntry
	order       []domain.PeerID
	waiting     []domain.PeerID
	full        bool
	mediaActive bool
	connected   int
}

func NewViewerRegistry(capacity int, hooks RegistryHooks) *ViewerRegistry {
	if capacity <= 0 {
		capacity = domain.MaxViewers
	}
	return &ViewerRegistry{
		capacity: capacity,
		hooks:    hooks,
		entries:  make(map[domain.PeerID]*ViewerEntry),
	}
}

func (r *ViewerRegistry) Capacity() int { return r.capacity }
func (r *ViewerRegistry) Len() int      { return len(r.entries) }

// Full reports whether a room-full notice is currently raised.
func (r *ViewerRegistry) Full() bool { return r.full }

func (r *ViewerRegistry) Get(id domain.PeerID) (*ViewerEntry, bool) {
	e, ok := r.entries[id]
	return e, ok
}

// Waiting lists turned-away viewers, oldest first.
func (r *ViewerRegistry) Waiting() []domain.PeerID {
	return slices.Clone(r.waiting)
}

// Admit inserts an idle entry for id. A duplicate id or a full registry
// returns false; the latter also queues id for a later slot.
func (r *ViewerRegistry) Admit(id domain.PeerID) bool {
	if _, dup := r.entries[id]; dup {
		log.Debug().Str("module", "app.registry").Str("peer", string(id)).Msg("duplicate admit ignored")
		return false
	}
	if len(r.entries) >= r.capacity {
		if slices.Contains(r.waiting, id) {
			return false
		}
		r.waiting = append(r.waiting, id)
		r.full = true
		log.Info().
			Str("module", "app.registry").
			Str("peer", string(id)).
			Int("capacity", r.capacity).
			Int("waiting", len(r.waiting)).
			Msg("room full, viewer ignored")
		if r.hooks.Rejected != nil {
			r.hooks.Rejected(id, len(r.waiting))
		}
		return false
	}
	r.waiting = slices.DeleteFunc(r.waiting, func(w domain.PeerID) bool { return w == id })
	e := &ViewerEntry{PeerID: id, State: webrtc.PeerConnectionStateNew}
	r.entries[id] = e
	r.order = append(r.order, id)
	log.Info().Str("module", "app.registry").Str("peer", string(id)).Int("viewers", len(r.entries)).Msg("admitted viewer")
	if r.mediaActive && r.hooks.BringUp != nil {
		r.hooks.BringUp(e)
	}
	return true
}

// Remove tears down id's link and drops it, or forgets it if it was only
// waiting. A freed slot goes to the oldest waiting viewer. It returns the
// viewers admitted from the waitlist.
func (r *ViewerRegistry) Remove(id domain.PeerID) (admitted []domain.PeerID) {
	r.waiting = slices.DeleteFunc(r.waiting, func(w domain.PeerID) bool { return w == id })
	e, ok := r.entries[id]
	if !ok {
		r.clearFullIfRoom()
		return nil
	}
	wasConnected := e.Connected()
	e.detach()
	delete(r.entries, id)
	r.order = slices.DeleteFunc(r.order, func(o domain.PeerID) bool { return o == id })
	log.Info().Str("module", "app.registry").Str("peer", string(id)).Int("viewers", len(r.entries)).Msg("removed viewer")
	if wasConnected {
		r.recount()
	}

	for len(r.entries) < r.capacity && len(r.waiting) > 0 {
		next := r.waiting[0]
		r.waiting = r.waiting[1:]
		if r.Admit(next) {
			admitted = append(admitted, next)
		}
	}
	r.clearFullIfRoom()
	return admitted
}

// clearFullIfRoom drops the room-full notice once there is a free slot or
// nobody is left waiting.
func (r *ViewerRegistry) clearFullIfRoom() {
	if r.full && (len(r.entries) < r.capacity || len(r.waiting) == 0) {
		r.full = false
		if r.hooks.FullCleared != nil {
			r.hooks.FullCleared()
		}
	}
}

// SetState records a link state change for id. Changes from a link other
// than the current one are ignored.
func (r *ViewerRegistry) SetState(id domain.PeerID, link Link, st webrtc.PeerConnectionState) {
	e, ok := r.entries[id]
	if !ok || e.Link == nil || e.Link != link {
		return
	}
	e.State = st
	r.recount()
}

func (r *ViewerRegistry) recount() {
	n := 0
	for _, e := range r.entries {
		if e.Connected() {
			n++
		}
	}
	if n == r.connected {
		return
	}
	r.connected = n
	if r.hooks.ConnectedChanged != nil {
		r.hooks.ConnectedChanged(n)
	}
}

// Detach closes id's link and leaves the viewer admitted but idle.
func (r *ViewerRegistry) Detach(id domain.PeerID) {
	e, ok := r.entries[id]
	if !ok || e.Link == nil {
		return
	}
	e.detach()
	r.recount()
}

// Connected is the number of viewers whose link is connected.
func (r *ViewerRegistry) Connected() int { return r.connected }

// ForEachConnected calls fn for every connected viewer in admission order.
func (r *ViewerRegistry) ForEachConnected(fn func(*ViewerEntry)) {
	for _, id := range r.order {
		if e := r.entries[id]; e.Connected() {
			fn(e)
		}
	}
}

// ForEach calls fn for every admitted viewer in admission order.
func (r *ViewerRegistry) ForEach(fn func(*ViewerEntry)) {
	for _, id := range r.order {
		fn(r.entries[id])
	}
}

// SetMediaActive switches autonomous bring-up on or off. Turning it on brings
// up every idle viewer. Turning it off closes every link; entries stay.
func (r *ViewerRegistry) SetMediaActive(active bool) {
	if r.mediaActive == active {
		return
	}
	r.mediaActive = active
	if active {
		if r.hooks.BringUp == nil {
			return
		}
		for _, id := range r.order {
			if e := r.entries[id]; e.Link == nil {
				r.hooks.BringUp(e)
			}
		}
		return
	}
	r.DetachAll()
}

func (r *ViewerRegistry) MediaActive() bool { return r.mediaActive }

// DetachAll closes every link and returns the viewers to idle.
func (r *ViewerRegistry) DetachAll() {
	for _, e := range r.entries {
		e.detach()
	}
	r.recount()
}

// Clear tears down every viewer and forgets the waitlist.
func (r *ViewerRegistry) Clear() {
	r.DetachAll()
	r.entries = make(map[domain.PeerID]*ViewerEntry)
	r.order = nil
	r.waiting = nil
	r.full = false
	r.mediaActive = false
}
