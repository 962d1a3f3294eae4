package ingress

import "github.com/gin-gonic/gin"

// SetupRoutes wires every ingress endpoint onto router.
func SetupRoutes(router *gin.RouterGroup, h *Handler) {
	router.GET("/health", h.Health)

	jobs := router.Group("/jobs")
	{
		jobs.POST("", h.CreateJob)
		jobs.GET("", h.ListJobs)
		jobs.GET("/:id", h.GetJob)
		jobs.POST("/:id/cancel", h.CancelJob)
		jobs.PATCH("/:id/status", h.StatusCallback)
	}

	templates := router.Group("/templates")
	{
		templates.GET("", h.ListTemplates)
		templates.GET("/:id", h.GetTemplate)
		templates.POST("/:id/execute", h.ExecuteTemplate)
	}

	agents := router.Group("/agents")
	{
		agents.POST("", h.RegisterAgent)
		agents.GET("", h.ListAgents)
		agents.POST("/:id/heartbeat", h.Heartbeat)
		agents.DELETE("/:id", h.UnregisterAgent)
	}
}
