package handlers

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/decomontenegro/baas-platform-sub000/pkg/models"
)

// writeAuditLog records an admin mutation. Best-effort; an audit failure
// never rolls back the action it describes.
func writeAuditLog(c *gin.Context, action, targetID string, tenantID *string, details models.JSONB) {
	actor := c.GetString("user_id")
	if actor == "" {
		actor = "service"
	}
	_, err := db.ExecContext(c.Request.Context(), `
		INSERT INTO audit_logs (id, tenant_id, actor_id, action, target_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, uuid.New().String(), tenantID, actor, action, targetID, details)
	if err != nil {
		logger.WithError(err).WithField("action", action).Error("Failed to write audit log")
	}
	if metrics != nil {
		metrics.AdminActions.WithLabelValues(action).Inc()
	}
}

// ResetCircuit handles POST /admin/providers/:id/circuit/reset.
func ResetCircuit(c *gin.Context) {
	providerID := c.Param("id")
	circuits.Reset(c.Request.Context(), providerID)
	writeAuditLog(c, "circuit.reset", providerID, nil, nil)
	c.JSON(http.StatusOK, gin.H{"provider_id": providerID, "state": "CLOSED"})
}

// ResetRateLimit handles POST /admin/tenants/:id/rate-limit/reset. Clears
// the tenant's windows and lifts an LLM suspension.
func ResetRateLimit(c *gin.Context) {
	tenantID := c.Param("id")
	if err := limiter.ResetTenant(c.Request.Context(), tenantID); err != nil {
		logger.WithError(err).WithField("tenant_id", tenantID).Error("Failed to reset rate limits")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reset rate limits"})
		return
	}
	writeAuditLog(c, "rate_limit.reset", tenantID, &tenantID, nil)
	c.JSON(http.StatusOK, gin.H{"tenant_id": tenantID, "reset": true})
}

// ListAlerts handles GET /admin/tenants/:id/alerts.
func ListAlerts(c *gin.Context) {
	tenantID := c.Param("id")
	alerts, err := tracker.ActiveAlerts(c.Request.Context(), tenantID)
	if err != nil {
		logger.WithError(err).WithField("tenant_id", tenantID).Error("Failed to list alerts")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list alerts"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

// AcknowledgeAlert handles POST /admin/alerts/:id/acknowledge.
func AcknowledgeAlert(c *gin.Context) {
	alertID := c.Param("id")
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "authenticated user required"})
		return
	}
	if err := tracker.AcknowledgeAlert(c.Request.Context(), alertID, userID); err != nil {
		if strings.Contains(err.Error(), "not found") {
			c.JSON(http.StatusNotFound, gin.H{"error": "alert not found"})
			return
		}
		logger.WithError(err).WithField("alert_id", alertID).Error("Failed to acknowledge alert")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to acknowledge alert"})
		return
	}
	writeAuditLog(c, "alert.acknowledge", alertID, nil, nil)
	c.JSON(http.StatusOK, gin.H{"alert_id": alertID, "acknowledged": true})
}

// AcknowledgeAlerts handles POST /admin/alerts/acknowledge with a JSON list
// of alert ids.
func AcknowledgeAlerts(c *gin.Context) {
	var body struct {
		AlertIDs []string `json:"alert_ids" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "alert_ids is required"})
		return
	}
	userID := c.GetString("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "authenticated user required"})
		return
	}

	acknowledged, err := tracker.AcknowledgeAlerts(c.Request.Context(), body.AlertIDs, userID)
	if err != nil {
		logger.WithError(err).Error("Failed to bulk-acknowledge alerts")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to acknowledge alerts"})
		return
	}
	writeAuditLog(c, "alert.acknowledge_bulk", "", nil, models.JSONB{
		"alert_ids":    body.AlertIDs,
		"acknowledged": acknowledged,
	})
	c.JSON(http.StatusOK, gin.H{"acknowledged": acknowledged, "requested": len(body.AlertIDs)})
}

// RevokeCredential handles POST /admin/credentials/:id/revoke.
func RevokeCredential(c *gin.Context) {
	credentialID := c.Param("id")
	if err := creds.Revoke(c.Request.Context(), credentialID); err != nil {
		logger.WithError(err).WithField("credential_id", credentialID).Error("Failed to revoke credential")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to revoke credential"})
		return
	}
	writeAuditLog(c, "credential.revoke", credentialID, nil, nil)
	c.JSON(http.StatusOK, gin.H{"credential_id": credentialID, "status": "revoked"})
}

// ResetCredentialQuota handles POST /admin/credentials/:id/reset-quota.
func ResetCredentialQuota(c *gin.Context) {
	credentialID := c.Param("id")
	if err := creds.ResetQuota(c.Request.Context(), credentialID); err != nil {
		logger.WithError(err).WithField("credential_id", credentialID).Error("Failed to reset credential quota")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reset credential quota"})
		return
	}
	writeAuditLog(c, "credential.reset_quota", credentialID, nil, nil)
	c.JSON(http.StatusOK, gin.H{"credential_id": credentialID, "quota_used": 0})
}

// ActivateEmergencyCredential handles POST /admin/tenants/:id/credentials/emergency.
func ActivateEmergencyCredential(c *gin.Context) {
	tenantID := c.Param("id")
	var body struct {
		Provider string `json:"provider"`
	}
	_ = c.ShouldBindJSON(&body)

	credential, err := creds.ActivateEmergency(c.Request.Context(), tenantID, body.Provider)
	if err != nil {
		logger.WithError(err).WithField("tenant_id", tenantID).Warn("Emergency credential activation failed")
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	writeAuditLog(c, "credential.activate_emergency", credential.ID, &tenantID, models.JSONB{
		"provider": credential.Provider,
	})
	c.JSON(http.StatusOK, gin.H{"credential_id": credential.ID, "provider": credential.Provider, "status": "active"})
}

// SupervisorStatus handles GET /admin/supervisor/status.
func SupervisorStatus(c *gin.Context) {
	c.JSON(http.StatusOK, super.Status())
}

// StartSupervisor handles POST /admin/supervisor/start. The loop outlives
// the request, so it runs on a background context.
func StartSupervisor(c *gin.Context) {
	super.Start(context.Background())
	writeAuditLog(c, "supervisor.start", "supervisor", nil, nil)
	c.JSON(http.StatusOK, super.Status())
}

// StopSupervisor handles POST /admin/supervisor/stop.
func StopSupervisor(c *gin.Context) {
	super.Stop()
	writeAuditLog(c, "supervisor.stop", "supervisor", nil, nil)
	c.JSON(http.StatusOK, super.Status())
}

// TriggerSupervisor handles POST /admin/supervisor/trigger and runs one tick
// immediately unless one is already in flight.
func TriggerSupervisor(c *gin.Context) {
	ran := super.Trigger(c.Request.Context())
	writeAuditLog(c, "supervisor.trigger", "supervisor", nil, models.JSONB{"ran": ran})
	if !ran {
		c.JSON(http.StatusConflict, gin.H{"error": "tick already running"})
		return
	}
	c.JSON(http.StatusOK, super.Status())
}
