package api

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// @title ERP Sync API
// @version 1.0
// @description Control surface for the external-ERP catalog synchronization engine
// @license.name MIT
// @license.url https://opensource.org/licenses/MIT
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

// SetupRouter configures the API routes
func SetupRouter(h *Handler) *gin.Engine {
	r := gin.Default()

	// API documentation
	r.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// API v1 group
	v1 := r.Group("/api/v1")
	{
		sync := v1.Group("/sync")
		{
			sync.POST("", h.StartSync)
			sync.GET("/status", h.GetStatus)
			sync.GET("/progress/:jobId", h.GetProgress)
			sync.POST("/cancel/:id", h.CancelSync)
			sync.GET("/jobs", h.ListJobs)
			sync.GET("/resumable", h.ListResumable)
			sync.POST("/resume/:jobId", h.ResumeSync)
		}
	}

	return r
}
