package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/decomontenegro/baas-platform-sub000/internal/events"
)

// StreamEvents handles GET /v1/events: a server-sent event stream of the
// tenant's realtime events (alerts, suspensions). Requires the Redis bus.
func StreamEvents(c *gin.Context) {
	if bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream not available"})
		return
	}
	tenantID := c.GetString("tenant_id")
	if tenantID == "" {
		tenantID = c.Query("tenant_id")
	}
	if tenantID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id is required"})
		return
	}

	ctx := c.Request.Context()
	ch := make(chan events.Event, 16)
	go func() {
		defer close(ch)
		if err := bus.Subscribe(ctx, tenantID, func(e events.Event) {
			select {
			case ch <- e:
			default:
				// slow consumer, drop
			}
		}); err != nil {
			logger.WithError(err).WithField("tenant_id", tenantID).Warn("Event subscription ended")
		}
	}()

	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case e, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent("message", e)
			return true
		}
	})
}
