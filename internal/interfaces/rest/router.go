package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/specforge/specforge/internal/compiler"
	"github.com/specforge/specforge/internal/engine"
	"github.com/specforge/specforge/internal/interfaces/middleware"
)

// NewRouter wires the HTTP surface: a public health check and login,
// and the authenticated action endpoints.
func NewRouter(ctx *compiler.Context, eng *engine.Engine) *gin.Engine {
	router := gin.Default()

	router.GET("/health", func(c *gin.Context) {
		if err := eng.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authHandler := NewAuthHandler()
	router.POST("/api/auth/login", authHandler.Login)

	actionHandler := NewActionHandler(ctx, eng)
	identityHandler := NewIdentityHandler(ctx, eng)
	api := router.Group("/api", middleware.RequireAuth())
	{
		api.GET("/actions", actionHandler.ListActions)
		api.GET("/actions/:name", actionHandler.GetAction)
		api.POST("/actions/:name/invoke", actionHandler.InvokeAction)
		api.POST("/identifiers/:entity/:id/recalculate",
			middleware.RequireAdmin(), identityHandler.Recalculate)
	}

	return router
}
