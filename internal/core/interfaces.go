package core

import "github.com/dkeye/Beam/internal/protocol"

// Frame is a raw text payload written to a websocket.
type Frame []byte

// SignalConnection abstracts the relay side of one websocket.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// Signaler sends session messages to the relay. Send reports false when the
// connection is not open; nothing is queued.
type Signaler interface {
	Send(protocol.Message) bool
}
