package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func analyticsTenant(c *gin.Context) (string, bool) {
	tenantID := c.GetString("tenant_id")
	if tenantID == "" {
		tenantID = c.Query("tenant_id")
	}
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id is required"})
		return "", false
	}
	return tenantID, true
}

// GetSummary handles GET /analytics/summary?period=day|week|month.
func GetSummary(c *gin.Context) {
	tenantID, ok := analyticsTenant(c)
	if !ok {
		return
	}
	summary, err := agg.Summary(c.Request.Context(), tenantID, c.DefaultQuery("period", "month"))
	if err != nil {
		logger.WithError(err).WithField("tenant_id", tenantID).Error("Failed to build usage summary")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build summary"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// GetUsageByAgent handles GET /analytics/by-agent.
func GetUsageByAgent(c *gin.Context) {
	grouped(c, "agent")
}

// GetUsageByModel handles GET /analytics/by-model.
func GetUsageByModel(c *gin.Context) {
	grouped(c, "model")
}

// GetUsageByProvider handles GET /analytics/by-provider.
func GetUsageByProvider(c *gin.Context) {
	grouped(c, "provider")
}

// GetUsageByDay handles GET /analytics/by-day.
func GetUsageByDay(c *gin.Context) {
	grouped(c, "day")
}

func grouped(c *gin.Context, dimension string) {
	tenantID, ok := analyticsTenant(c)
	if !ok {
		return
	}
	period := c.DefaultQuery("period", "month")

	var rows interface{}
	var err error
	switch dimension {
	case "agent":
		rows, err = agg.ByAgent(c.Request.Context(), tenantID, period)
	case "model":
		rows, err = agg.ByModel(c.Request.Context(), tenantID, period)
	case "provider":
		rows, err = agg.ByProvider(c.Request.Context(), tenantID, period)
	case "day":
		rows, err = agg.ByDay(c.Request.Context(), tenantID, period)
	}
	if err != nil {
		logger.WithError(err).WithField("tenant_id", tenantID).Error("Failed to group usage")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to group usage"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant_id": tenantID, "period": period, "rows": rows})
}

// GetHourlyToday handles GET /analytics/hourly.
func GetHourlyToday(c *gin.Context) {
	tenantID, ok := analyticsTenant(c)
	if !ok {
		return
	}
	rows, err := agg.HourlyToday(c.Request.Context(), tenantID)
	if err != nil {
		logger.WithError(err).WithField("tenant_id", tenantID).Error("Failed to build hourly usage")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build hourly usage"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"tenant_id": tenantID, "rows": rows})
}

// GetRealTime handles GET /analytics/realtime, the last-5-minute rollup.
func GetRealTime(c *gin.Context) {
	tenantID, ok := analyticsTenant(c)
	if !ok {
		return
	}
	stats, err := agg.RealTime(c.Request.Context(), tenantID)
	if err != nil {
		logger.WithError(err).WithField("tenant_id", tenantID).Error("Failed to build realtime stats")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build realtime stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}
