// Package channel keeps one logical session open to the relay over a websocket,
// reconnecting with backoff and dispatching typed events.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Beam/internal/core"
	"github.com/dkeye/Beam/internal/protocol"
)

type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusOpen       Status = "open"
	StatusClosed     Status = "closed"
)

// EventMessage receives every parsed message regardless of kind.
const EventMessage = "message"

const (
	sendBuffer = 32
	writeWait  = 5 * time.Second
)

var (
	ErrNotOpen      = errors.New("channel not open")
	ErrBackpressure = errors.New("backpressure")
)

type StatusEvent struct {
	Status  Status
	Attempt int
	// Delay is set on closed events that schedule a reconnect.
	Delay time.Duration
	Err   error
}

type Options struct {
	URL       string
	Header    http.Header
	ReadLimit int64
	Dialer    *websocket.Dialer
	// Delay maps the reconnect attempt to a wait; defaults to ReconnectDelay.
	Delay func(attempt int) time.Duration
}

type Channel struct {
	opts     Options
	messages *Dispatcher[protocol.Message]
	statuses *Dispatcher[StatusEvent]

	mu      sync.Mutex
	ctx     context.Context
	gen     uint64
	status  Status
	attempt int
	stopped bool
	conn    *websocket.Conn
	send    chan core.Frame
	timer   *time.Timer
}

func New(opts Options) *Channel {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Delay == nil {
		opts.Delay = ReconnectDelay
	}
	return &Channel{
		opts:     opts,
		messages: NewDispatcher[protocol.Message](),
		statuses: NewDispatcher[StatusEvent](),
		status:   StatusIdle,
	}
}

func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Attempt is the reconnect attempt counter; zero while a connection is open.
func (c *Channel) Attempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

// On subscribes to EventMessage or to a message kind such as "welcome".
func (c *Channel) On(event string, fn func(protocol.Message)) (unsubscribe func()) {
	return c.messages.On(event, fn)
}

func (c *Channel) OnStatus(fn func(StatusEvent)) (unsubscribe func()) {
	return c.statuses.On("status", fn)
}

// Connect opens the session. It is a no-op while connecting or open. The
// channel reconnects on its own until Close is called or ctx is done.
func (c *Channel) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.status == StatusConnecting || c.status == StatusOpen {
		c.mu.Unlock()
		return
	}
	c.ctx = ctx
	c.stopped = false
	c.stopTimerLocked()
	c.gen++
	gen := c.gen
	c.status = StatusConnecting
	attempt := c.attempt
	c.mu.Unlock()

	c.emitStatus(StatusEvent{Status: StatusConnecting, Attempt: attempt})
	go c.run(ctx, gen)
}

func (c *Channel) run(ctx context.Context, gen uint64) {
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
	if err != nil {
		log.Warn().Err(err).Str("module", "channel").Str("url", c.opts.URL).Msg("dial failed")
		c.onDisconnected(gen, nil, err)
		return
	}
	if c.opts.ReadLimit > 0 {
		conn.SetReadLimit(c.opts.ReadLimit)
	}

	send := make(chan core.Frame, sendBuffer)
	c.mu.Lock()
	if c.gen != gen || c.stopped {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.send = send
	c.status = StatusOpen
	c.attempt = 0
	c.mu.Unlock()

	log.Info().Str("module", "channel").Str("url", c.opts.URL).Msg("connected")
	c.emitStatus(StatusEvent{Status: StatusOpen})

	done := make(chan struct{})
	go c.writePump(conn, send, done)
	stopWatch := context.AfterFunc(ctx, func() { _ = conn.Close() })
	err = c.readPump(conn)
	stopWatch()
	close(done)
	c.onDisconnected(gen, conn, err)
}

func (c *Channel) onDisconnected(gen uint64, conn *websocket.Conn, cause error) {
	if conn != nil {
		_ = conn.Close()
	}
	c.mu.Lock()
	if c.gen != gen || c.stopped {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.send = nil
	c.status = StatusClosed
	ctx := c.ctx
	if ctx.Err() != nil {
		c.stopped = true
		c.mu.Unlock()
		c.emitStatus(StatusEvent{Status: StatusClosed, Err: ctx.Err()})
		return
	}
	attempt := c.attempt
	delay := c.opts.Delay(attempt)
	c.attempt++
	c.mu.Unlock()

	log.Info().Str("module", "channel").Int("attempt", attempt).Dur("delay", delay).Msg("connection closed, reconnecting")
	c.emitStatus(StatusEvent{Status: StatusClosed, Attempt: attempt, Delay: delay, Err: cause})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.stopped {
		return
	}
	c.timer = time.AfterFunc(delay, func() { c.reconnect(ctx, gen) })
}

func (c *Channel) reconnect(ctx context.Context, gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.stopped {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()
	c.Connect(ctx)
}

// Close disables reconnect and tears down the connection. Safe to call twice.
func (c *Channel) Close() {
	c.mu.Lock()
	c.stopped = true
	c.gen++
	c.stopTimerLocked()
	conn := c.conn
	c.conn = nil
	c.send = nil
	prev := c.status
	c.status = StatusClosed
	c.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
	}
	if prev != StatusClosed {
		log.Info().Str("module", "channel").Msg("closed")
		c.emitStatus(StatusEvent{Status: StatusClosed})
	}
}

// Send reports whether msg was handed to the open connection.
func (c *Channel) Send(msg protocol.Message) bool {
	err := c.TrySend(msg)
	if err != nil && !errors.Is(err, ErrNotOpen) {
		log.Warn().Err(err).Str("module", "channel").Str("kind", string(msg.Kind)).Msg("send failed")
	}
	return err == nil
}

func (c *Channel) TrySend(msg protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusOpen || c.send == nil {
		return ErrNotOpen
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *Channel) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Channel) emitStatus(ev StatusEvent) {
	c.statuses.Emit("status", ev)
}
