package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"dm-service/internal/presence"
	"dm-service/internal/rooms"
	"dm-service/internal/telemetry"
)

// RegisterDebugRoutes wires debug-only endpoints.
func RegisterDebugRoutes(router *gin.Engine, emitter *telemetry.AuditEmitter, registry *presence.Registry, roomManager *rooms.Manager, enabled bool) {
	if !enabled {
		return
	}

	router.GET("/debug/audit-test", func(c *gin.Context) {
		if emitter == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "audit emitter not configured"})
			return
		}
		emitter.Emit(c.Request.Context(), "INFO", "audit test", requestIDFromContext(c), userIDFromContext(c))
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/debug/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"online_users": registry.OnlineUsers(c.Request.Context()),
			"active_rooms": roomManager.Len(),
		})
	})
}
