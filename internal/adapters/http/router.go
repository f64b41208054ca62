package http

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/provigil/proctor/internal/adapters/signal"
	"github.com/provigil/proctor/internal/app"
	"github.com/provigil/proctor/internal/config"
	"github.com/provigil/proctor/internal/core"
)

// SetupRouter wires the HTTP surface: a health probe, the signin proxy
// and the websocket signaling endpoint.
func SetupRouter(ctx context.Context, cfg *config.Config, orch *app.Orchestrator, backend core.Backend) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Thin proxy so clients can pre-validate a token without opening the
	// signaling socket.
	r.GET("/api/signin/:token", func(c *gin.Context) {
		res, err := backend.Signin(c.Request.Context(), c.Param("token"))
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "identity service unavailable"})
			return
		}
		c.JSON(http.StatusOK, res)
	})

	r.GET("/api/transports/:id/stats", func(c *gin.Context) {
		stats, err := orch.TransportStats(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.Data(http.StatusOK, "application/json", stats)
	})

	ctl := &signal.Controller{
		Orch:       orch,
		ReadLimit:  cfg.ReadLimit,
		PingPeriod: cfg.PingPeriod,
	}
	r.GET("/ws", func(c *gin.Context) {
		ctl.Handle(ctx, c)
	})

	return r
}
