package routes

import (
	"zfsdash/internal/controllers"

	"github.com/gin-gonic/gin"
)

// RegisterWebSocketRoutes registers the upstream iostat feed and the
// dashboard push endpoint
func RegisterWebSocketRoutes(r gin.IRouter, iostat *controllers.IOStatController, live *controllers.LiveController) {
	ws := r.Group("/api/ws")
	{
		ws.GET("/iostat", iostat.HandleIOStat)
		ws.GET("/live", live.HandleLive)
	}
}
