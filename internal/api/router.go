// Package api exposes the HTTP submission surface: raw message intake,
// archive import, and composed outbound mail.
package api

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/mosacloud/messages-sub001/internal/auth"
	"github.com/mosacloud/messages-sub001/internal/delivery"
	"github.com/mosacloud/messages-sub001/internal/intake"
	"github.com/mosacloud/messages-sub001/internal/models"
	"github.com/mosacloud/messages-sub001/internal/storage"
)

// Server bundles the services the handlers need.
type Server struct {
	Intake   *intake.Service
	Composer *delivery.Composer
	Engine   *delivery.Engine
	Store    *storage.Database
	Auth     *auth.Service
	Log      *slog.Logger
}

// SetupRouter wires every HTTP endpoint, with thin closure wrappers so each
// handler receives the running *Server instance.
func SetupRouter(s *Server) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Recovery())

	/* ---------- public endpoints ---------- */
	r.GET("/api/health", func(c *gin.Context) { c.JSON(200, gin.H{"status": "ok"}) })

	/* ---------- protected endpoints ---------- */
	mw := NewMiddleware(s.Auth)
	api := r.Group("/api")
	api.Use(mw.AuthRequired())
	{
		api.POST("/intake", func(c *gin.Context) { handleIntake(s, c, models.IntakeChannelAPI) })
		api.POST("/import", func(c *gin.Context) { handleIntake(s, c, models.IntakeChannelImport) })
		api.POST("/send", func(c *gin.Context) { handleSend(s, c) })
	}

	return r
}
