package app

import (
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Beam/internal/core"
	"github.com/dkeye/Beam/internal/domain"
	"github.com/dkeye/Beam/internal/protocol"
)

// Roster is the participant list of a room. The host keeps the authoritative
// copy and broadcasts it; viewers replace theirs with each copy they receive.
// Like ViewerRegistry it belongs to the session loop.
type Roster struct {
	members map[domain.PeerID]domain.Member
}

func NewRoster() *Roster {
	return &Roster{members: make(map[domain.PeerID]domain.Member)}
}

// Upsert adds or updates a member. A known name is never replaced by the
// "unknown" placeholder.
func (r *Roster) Upsert(id domain.PeerID, name string, role domain.Role) domain.Member {
	m := domain.NewMember(id, name, role)
	if prev, ok := r.members[id]; ok && m.HasPlaceholderName() && !prev.HasPlaceholderName() {
		m.Name = prev.Name
	}
	r.members[id] = m
	return m
}

func (r *Roster) Remove(id domain.PeerID) bool {
	if _, ok := r.members[id]; !ok {
		return false
	}
	delete(r.members, id)
	return true
}

func (r *Roster) Get(id domain.PeerID) (domain.Member, bool) {
	m, ok := r.members[id]
	return m, ok
}

func (r *Roster) Len() int { return len(r.members) }

// Replace swaps the whole list for members. Last writer wins.
func (r *Roster) Replace(members []domain.Member) {
	r.members = make(map[domain.PeerID]domain.Member, len(members))
	for _, m := range members {
		r.members[m.PeerID] = m
	}
}

func (r *Roster) Clear() {
	r.members = make(map[domain.PeerID]domain.Member)
}

// List returns the host first, then viewers by name.
func (r *Roster) List() []domain.Member {
	out := make([]domain.Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m)
	}
	SortMembers(out)
	return out
}

// SortMembers orders members host first, then by case-insensitive name, then by id.
func SortMembers(ms []domain.Member) {
	sort.Slice(ms, func(i, j int) bool {
		a, b := ms[i], ms[j]
		if (a.Role == domain.RoleHost) != (b.Role == domain.RoleHost) {
			return a.Role == domain.RoleHost
		}
		an, bn := strings.ToLower(a.Name), strings.ToLower(b.Name)
		if an != bn {
			return an < bn
		}
		return a.PeerID < b.PeerID
	})
}

// Broadcast signals the sorted roster to every viewer on it, one message per
// viewer. It returns how many sends were accepted.
func (r *Roster) Broadcast(sig core.Signaler) int {
	list := r.List()
	sent := 0
	for _, m := range list {
		if m.Role != domain.RoleViewer {
			continue
		}
		if sig.Send(protocol.Signal(m.PeerID, protocol.Roster{Members: list})) {
			sent++
		}
	}
	log.Debug().Str("module", "app.roster").Int("members", len(list)).Int("sent", sent).Msg("roster broadcast")
	return sent
}
