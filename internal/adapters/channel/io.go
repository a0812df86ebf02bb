package channel

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Beam/internal/core"
	"github.com/dkeye/Beam/internal/protocol"
)

func (c *Channel) writePump(conn *websocket.Conn, send <-chan core.Frame, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case data := <-send:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "channel").Msg("writePump set deadline")
				_ = conn.Close()
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "channel").Msg("writePump write error")
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *Channel) readPump(conn *websocket.Conn) error {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info().Str("module", "channel").Msg("relay closed the connection")
			} else {
				log.Warn().Err(err).Str("module", "channel").Msg("readPump read error")
			}
			return err
		}
		c.handleFrame(data)
	}
}

func (c *Channel) handleFrame(data []byte) {
	if !json.Valid(data) {
		log.Warn().Str("module", "channel").Int("bytes", len(data)).Msg("invalid json from relay")
		c.messages.Emit(string(protocol.KindError), protocol.Error(protocol.CodeInvalidJSON, "Server sent invalid JSON"))
		return
	}
	msg, err := protocol.Decode(data)
	if err != nil {
		if !errors.Is(err, protocol.ErrMissingKind) {
			log.Debug().Err(err).Str("module", "channel").Msg("undecodable message dropped")
		}
		return
	}
	c.messages.Emit(EventMessage, msg)
	c.messages.Emit(string(msg.Kind), msg)
}
