package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dkeye/Beam/internal/core"
)

const sendBuffer = 32

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

// Conn is one relay-side websocket with a bounded outgoing queue.
type Conn struct {
	ws   *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

var _ core.SignalConnection = (*Conn)(nil)

func newConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws, send: make(chan core.Frame, sendBuffer)}
}

// TrySend queues f without blocking. A full queue returns ErrBackpressure.
func (c *Conn) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.ws.Close()
	c.mu.Unlock()
}

// GoingAway tells the client why before closing.
func (c *Conn) GoingAway(reason string) {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.Close()
}
