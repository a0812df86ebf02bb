package relay

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Beam/internal/domain"
)

func (h *Hub) writePump(ctx context.Context, c *Conn) {
	ping := time.NewTicker(h.opts.PingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "relay").Msg("writePump set deadline")
				c.Close()
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "relay").Msg("writePump write error")
				c.Close()
				return
			}
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Debug().Err(err).Str("module", "relay").Msg("ping failed")
				c.Close()
				return
			}
		}
	}
}

func (h *Hub) readPump(ctx context.Context, cancel context.CancelFunc, id domain.PeerID, c *Conn) {
	defer func() {
		log.Info().Str("module", "relay").Str("peer", string(id)).Msg("readPump closing")
		h.leave(id)
		c.Close()
		cancel()
	}()

	pongWait := h.opts.PingPeriod * 10 / 9
	c.ws.SetReadLimit(h.opts.ReadLimit)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if ctx.Err() != nil {
			return
		}
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "relay").Str("peer", string(id)).Msg("readPump read error")
			}
			return
		}
		h.handleFrame(id, c, data)
	}
}
