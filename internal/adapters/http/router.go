package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Beam/internal/adapters/relay"
	"github.com/dkeye/Beam/internal/config"
)

func SetupRouter(ctx context.Context, cfg *config.Config, hub *relay.Hub) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		rooms, peers := hub.Registry().Counts()
		c.JSON(http.StatusOK, gin.H{"status": "ok", "rooms": rooms, "peers": peers})
	})

	api := r.Group("/api")
	api.GET("/ws/signal", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("remote", c.Request.RemoteAddr).Msg("ws signal endpoint hit")
		hub.HandleSignal(ctx, c)
	})

	log.Info().Str("module", "adapters.http").Str("mode", cfg.Mode).Msg("router setup")
	return r
}
