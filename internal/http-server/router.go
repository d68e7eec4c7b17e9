// Package httpserver assembles the gin engine serving the API.
package httpserver

import (
	"log/slog"
	"net/http"

	"eventsync/internal/http-server/handlers"
	"eventsync/internal/http-server/middleware/logger"

	"github.com/gin-gonic/gin"
)

// NewRouter mounts h behind authn. Middleware in extra runs before
// authentication, on every route including /health.
func NewRouter(log *slog.Logger, h *handlers.Handler, authn gin.HandlerFunc, extra ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), logger.New(log))
	r.Use(extra...)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("")
	api.Use(authn)
	h.Routes(api)

	return r
}
