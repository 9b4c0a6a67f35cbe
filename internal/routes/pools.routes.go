package routes

import (
	"zfsdash/internal/controllers"

	"github.com/gin-gonic/gin"
)

// RegisterPoolRoutes registers the consumer API over the live metrics store
func RegisterPoolRoutes(r gin.IRouter, pools *controllers.PoolsController) {
	iostat := r.Group("/api/pools/:name/iostat")
	{
		iostat.POST("/connect", pools.Connect)
		iostat.DELETE("/connect", pools.Release)
		iostat.GET("/history", pools.GetHistory)
		iostat.GET("/status", pools.GetStatus)
		iostat.GET("/summary", pools.GetSummary)
	}

	r.GET("/api/iostat/feeds", pools.ListFeeds)
}
