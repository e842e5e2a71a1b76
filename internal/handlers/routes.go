package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/decomontenegro/baas-platform-sub000/pkg/middleware"
)

// SetupRoutes registers the completion, analytics and admin surfaces.
// Callers authenticate with a tenant JWT; service-to-service callers use
// the shared service token and pass tenant ids explicitly.
func SetupRoutes(router *gin.Engine, jwtSecret []byte, serviceToken string) {
	protected := router.Group("")
	protected.Use(middleware.JWTAuthMiddleware(jwtSecret))
	{
		protected.POST("/v1/complete", Complete)
		protected.GET("/v1/quota", GetQuota)
		protected.GET("/v1/events", StreamEvents)

		protected.GET("/analytics/summary", GetSummary)
		protected.GET("/analytics/by-agent", GetUsageByAgent)
		protected.GET("/analytics/by-model", GetUsageByModel)
		protected.GET("/analytics/by-provider", GetUsageByProvider)
		protected.GET("/analytics/by-day", GetUsageByDay)
		protected.GET("/analytics/hourly", GetHourlyToday)
		protected.GET("/analytics/realtime", GetRealTime)

		admin := protected.Group("/admin")
		{
			admin.POST("/providers/:id/circuit/reset", ResetCircuit)
			admin.POST("/tenants/:id/rate-limit/reset", ResetRateLimit)
			admin.GET("/tenants/:id/alerts", ListAlerts)
			admin.POST("/tenants/:id/credentials/emergency", ActivateEmergencyCredential)
			admin.POST("/alerts/:id/acknowledge", AcknowledgeAlert)
			admin.POST("/alerts/acknowledge", AcknowledgeAlerts)
			admin.POST("/credentials/:id/revoke", RevokeCredential)
			admin.POST("/credentials/:id/reset-quota", ResetCredentialQuota)
			admin.GET("/supervisor/status", SupervisorStatus)
			admin.POST("/supervisor/start", StartSupervisor)
			admin.POST("/supervisor/stop", StopSupervisor)
			admin.POST("/supervisor/trigger", TriggerSupervisor)
		}
	}

	serviceAPI := router.Group("")
	serviceAPI.Use(middleware.ServiceAuthMiddleware(serviceToken))
	{
		serviceAPI.POST("/internal/complete", Complete)
		serviceAPI.GET("/internal/quota", GetQuota)
	}
}
