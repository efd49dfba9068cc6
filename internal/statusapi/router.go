package statusapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// SetupRoutes mounts the status surface on a gin engine.
func SetupRoutes(r *gin.Engine, h *Handler) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/status", h.GetStatus)
	r.POST("/sync/:account", h.TriggerSync)
	r.POST("/hint", h.Hint)

	accounts := r.Group("/accounts")
	{
		accounts.POST("/:email/enable", h.Enable)
		accounts.POST("/:email/disable", h.Disable)
		accounts.POST("/:email/reset", h.Reset)
	}
}
