// Package orch drives one participant through a room: the host, which admits
// viewers and sends them its share, and the viewer, which answers the host and
// plays what it receives. Relay events, peer link callbacks and user actions
// are all serialized onto the participant's app.Loop.
package orch

import (
	"errors"

	"github.com/dkeye/Beam/internal/adapters/channel"
	"github.com/dkeye/Beam/internal/core"
	"github.com/dkeye/Beam/internal/protocol"
)

var (
	ErrNoStream    = errors.New("share has neither video nor audio")
	ErrShareActive = errors.New("already sharing")
)

// Relay is the session channel as the orchestrators use it.
// *channel.Channel satisfies it.
type Relay interface {
	core.Signaler
	On(event string, fn func(protocol.Message)) (unsubscribe func())
	OnStatus(fn func(channel.StatusEvent)) (unsubscribe func())
}

var _ Relay = (*channel.Channel)(nil)

// subscribe routes relay events onto post and returns a func undoing it.
func subscribe(r Relay, post func(func()) bool, onMessage map[protocol.Kind]func(protocol.Message), onStatus func(channel.StatusEvent)) func() {
	var offs []func()
	for kind, fn := range onMessage {
		offs = append(offs, r.On(string(kind), func(m protocol.Message) {
			post(func() { fn(m) })
		}))
	}
	if onStatus != nil {
		offs = append(offs, r.OnStatus(func(ev channel.StatusEvent) {
			post(func() { onStatus(ev) })
		}))
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

func statusText(ev channel.StatusEvent) string {
	switch ev.Status {
	case channel.StatusOpen:
		return "connected to relay"
	case channel.StatusConnecting:
		return "connecting to relay"
	case channel.StatusClosed:
		if ev.Delay > 0 {
			return "relay connection lost, retrying in " + ev.Delay.String()
		}
		return "relay connection closed"
	}
	return string(ev.Status)
}
