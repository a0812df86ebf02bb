package relay

import "github.com/dkeye/Beam/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickPeer
)

// Policy decides what happens to a peer whose send queue is full.
type Policy interface {
	OnBackPressure(room domain.RoomID, peer domain.PeerID) BackpressureAction
}

// SimplePolicy disconnects slow peers. Clients reconnect and rejoin on their own.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.RoomID, domain.PeerID) BackpressureAction {
	return KickPeer
}
