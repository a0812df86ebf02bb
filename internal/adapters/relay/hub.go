// Package relay is the development signaling relay: it assigns peer ids,
// tracks rooms and forwards signal envelopes between members of a room.
// It never looks inside signal data.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/Beam/internal/core"
	"github.com/dkeye/Beam/internal/domain"
	"github.com/dkeye/Beam/internal/protocol"
)

const (
	DefaultReadLimit  = 32768
	DefaultPingPeriod = 54 * time.Second
	writeWait         = 5 * time.Second
)

type Options struct {
	ReadLimit  int64
	PingPeriod time.Duration
	Limiter    *RateLimiter
	Policy     Policy
}

type Hub struct {
	reg      *Registry
	opts     Options
	upgrader websocket.Upgrader
}

func NewHub(opts Options) *Hub {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = DefaultReadLimit
	}
	if opts.PingPeriod <= 0 {
		opts.PingPeriod = DefaultPingPeriod
	}
	if opts.Policy == nil {
		opts.Policy = SimplePolicy{}
	}
	return &Hub{
		reg:  NewRegistry(),
		opts: opts,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (h *Hub) Registry() *Registry { return h.reg }

// HandleSignal upgrades the request and serves the connection until either
// side closes it or ctx ends.
func (h *Hub) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("ws upgrade")
		return
	}
	id := domain.PeerID(uuid.NewString())
	conn := newConn(ws)
	h.reg.Bind(id, conn)
	log.Info().Str("module", "relay").Str("peer", string(id)).Str("remote", c.Request.RemoteAddr).Msg("new WS connection")

	connCtx, cancel := context.WithCancel(ctx)
	go h.writePump(connCtx, conn)
	h.send(id, "", conn, protocol.Welcome(id))
	go h.readPump(connCtx, cancel, id, conn)
}

// Shutdown says goodbye to every connection at once and waits for all of them.
func (h *Hub) Shutdown() {
	var wg conc.WaitGroup
	for _, p := range h.reg.All() {
		wg.Go(func() {
			if c, ok := p.conn.(*Conn); ok {
				c.GoingAway("relay shutting down")
				return
			}
			p.conn.Close()
		})
	}
	wg.Wait()
	log.Info().Str("module", "relay").Msg("all connections closed")
}

func (h *Hub) handleFrame(id domain.PeerID, conn *Conn, data []byte) {
	var probe struct {
		Kind json.RawMessage `json:"kind"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		var syntax *json.SyntaxError
		if errors.As(err, &syntax) {
			h.send(id, "", conn, protocol.Error(protocol.CodeBadJSON, "frame is not valid JSON"))
			return
		}
		h.send(id, "", conn, protocol.Error(protocol.CodeBadMessage, "frame is not an object"))
		return
	}
	var kind protocol.Kind
	if len(probe.Kind) == 0 || json.Unmarshal(probe.Kind, &kind) != nil || kind == "" {
		h.send(id, "", conn, protocol.Error(protocol.CodeBadMessage, "message has no kind"))
		return
	}

	switch kind {
	case protocol.KindJoin:
		msg, err := protocol.Decode(data)
		if err != nil {
			h.send(id, "", conn, protocol.Error(protocol.CodeBadMessage, err.Error()))
			return
		}
		h.handleJoin(id, conn, msg)
	case protocol.KindSignal:
		h.handleSignal(id, conn, data)
	default:
		log.Warn().Str("module", "relay").Str("peer", string(id)).Str("kind", string(kind)).Msg("unknown message kind")
	}
}

func (h *Hub) handleJoin(id domain.PeerID, conn *Conn, msg protocol.Message) {
	roomID, err := domain.ParseRoomID(string(msg.RoomID))
	if err != nil {
		h.send(id, "", conn, protocol.Error(protocol.CodeBadMessage, err.Error()))
		return
	}
	role, err := domain.ParseRole(string(msg.Role))
	if err != nil {
		h.send(id, roomID, conn, protocol.Error(protocol.CodeBadMessage, err.Error()))
		return
	}

	res, err := h.reg.Join(id, roomID, role)
	if err != nil {
		h.send(id, roomID, conn, protocol.Error(protocol.CodeHostExists, err.Error()))
		return
	}
	for _, m := range res.LeftMates {
		h.send(m.id, res.Left, m.conn, protocol.PeerLeft(id))
	}
	h.send(id, roomID, conn, protocol.Joined(res.Host, res.Peers))
	for _, m := range res.Mates {
		h.send(m.id, roomID, m.conn, protocol.PeerJoined(id, role))
	}
}

// forward is a signal as the relay sees it: an address and opaque data.
type forward struct {
	Kind protocol.Kind   `json:"kind"`
	To   domain.PeerID   `json:"to,omitempty"`
	From domain.PeerID   `json:"from,omitempty"`
	Data json.RawMessage `json:"data"`
}

func (h *Hub) handleSignal(id domain.PeerID, conn *Conn, data []byte) {
	var in forward
	if err := json.Unmarshal(data, &in); err != nil || in.To == "" || len(in.Data) == 0 || string(in.Data) == "null" {
		h.send(id, "", conn, protocol.Error(protocol.CodeBadMessage, "signal needs to and data"))
		return
	}
	if !h.opts.Limiter.Allow(id) {
		h.send(id, "", conn, protocol.Error(protocol.CodeRateLimited, "too many signals"))
		return
	}
	dst, roomID, err := h.reg.Route(id, in.To)
	switch {
	case errors.Is(err, ErrNotInRoom):
		h.send(id, "", conn, protocol.Error(protocol.CodeNotInRoom, err.Error()))
		return
	case err != nil:
		h.send(id, roomID, conn, protocol.Error(protocol.CodeUnknownPeer, err.Error()))
		return
	}
	h.send(dst.id, roomID, dst.conn, forward{Kind: protocol.KindSignal, From: id, Data: in.Data})
}

// leave runs once per connection after its read loop ends.
func (h *Hub) leave(id domain.PeerID) {
	roomID, mates := h.reg.Unbind(id)
	h.opts.Limiter.Forget(id)
	for _, m := range mates {
		h.send(m.id, roomID, m.conn, protocol.PeerLeft(id))
	}
}

func (h *Hub) send(to domain.PeerID, roomID domain.RoomID, conn core.SignalConnection, msg any) {
	b, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("marshal")
		return
	}
	err = conn.TrySend(b)
	if err == nil || errors.Is(err, ErrConnClosed) {
		return
	}
	if errors.Is(err, ErrBackpressure) {
		switch h.opts.Policy.OnBackPressure(roomID, to) {
		case KickPeer:
			log.Warn().Str("module", "relay").Str("peer", string(to)).Msg("send queue full, disconnecting")
			if p, ok := h.reg.Peer(to); ok {
				p.conn.Close()
			}
		case DropFrame, NoAction:
			log.Debug().Str("module", "relay").Str("peer", string(to)).Msg("send queue full, frame dropped")
		}
		return
	}
	log.Error().Err(err).Str("module", "relay").Str("peer", string(to)).Msg("send")
}
