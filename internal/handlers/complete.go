package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/decomontenegro/baas-platform-sub000/internal/gateway"
)

// Complete handles POST /v1/complete. The tenant comes from the JWT when
// present; service-to-service callers pass it in the body.
func Complete(c *gin.Context) {
	var req gateway.CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{
			"code":    gateway.CodeInvalidRequest,
			"message": "invalid request body: " + err.Error(),
		}})
		return
	}

	if tenantID := c.GetString("tenant_id"); tenantID != "" {
		req.TenantID = tenantID
	}
	if req.TenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{
			"code":    gateway.CodeInvalidRequest,
			"message": "tenant_id is required",
		}})
		return
	}

	resp, err := gw.Complete(c.Request.Context(), req)
	if err != nil {
		var gwErr *gateway.Error
		if !errors.As(err, &gwErr) {
			gwErr = &gateway.Error{Code: gateway.CodeUpstreamError, Message: err.Error()}
		}
		if metrics != nil {
			metrics.CompletionRequests.WithLabelValues(req.TenantID, "", gwErr.Code).Inc()
		}
		status := gwErr.HTTPStatus()
		if gwErr.RetryAfterSeconds > 0 {
			c.Header("Retry-After", strconv.Itoa(gwErr.RetryAfterSeconds))
		}
		c.JSON(status, gin.H{"error": gwErr})
		return
	}

	if metrics != nil {
		metrics.CompletionRequests.WithLabelValues(req.TenantID, resp.Provider, "success").Inc()
		metrics.CompletionLatency.WithLabelValues(resp.Provider).Observe(float64(resp.LatencyMs) / 1000)
		metrics.TokensProcessed.WithLabelValues(req.TenantID, resp.Model).Add(float64(resp.Usage.TotalTokens))
	}
	c.JSON(http.StatusOK, resp)
}

// GetQuota handles GET /v1/quota and reports the caller's remaining budget
// and minute-window headroom.
func GetQuota(c *gin.Context) {
	tenantID := c.GetString("tenant_id")
	if tenantID == "" {
		tenantID = c.Query("tenant_id")
	}
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id is required"})
		return
	}

	quota, err := limiter.GetQuota(c.Request.Context(), tenantID)
	if err != nil {
		logger.WithError(err).WithField("tenant_id", tenantID).Error("Failed to load quota")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load quota"})
		return
	}
	c.JSON(http.StatusOK, quota)
}
