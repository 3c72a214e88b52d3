package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"conversation-service/internal/middleware"
	"conversation-service/internal/models"
	"conversation-service/internal/telemetry"
)

func requestIDFromContext(c *gin.Context) string {
	if id := c.GetString(middleware.RequestIDContextKey); id != "" {
		return id
	}

	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(middleware.RequestIDContextKey, requestID)
	return requestID
}

func auditActor(identity models.Identity) *telemetry.AuditActor {
	if identity.IsZero() {
		return nil
	}
	return &telemetry.AuditActor{ID: identity.ID, Kind: string(identity.Kind)}
}

func actorFromContext(c *gin.Context) *telemetry.AuditActor {
	identity, _ := middleware.IdentityFromContext(c)
	return auditActor(identity)
}
