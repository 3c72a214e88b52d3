package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"conversation-service/internal/auth"
	"conversation-service/internal/models"
)

const identityContextKey = "identity"

// AuthMiddleware resolves the caller identity from the Authorization header.
func AuthMiddleware(verifier auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "missing authorization"})
			return
		}

		token, ok := auth.BearerToken(header)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "invalid authorization header"})
			return
		}

		identity, err := verifier.Verify(c.Request.Context(), token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "invalid token"})
			return
		}

		SetIdentity(c, identity)
		c.Next()
	}
}

func SetIdentity(c *gin.Context, identity models.Identity) {
	c.Set(identityContextKey, identity)
}

// IdentityFromContext returns the identity stored by AuthMiddleware.
func IdentityFromContext(c *gin.Context) (models.Identity, bool) {
	val, ok := c.Get(identityContextKey)
	if !ok {
		return models.Identity{}, false
	}
	identity, ok := val.(models.Identity)
	return identity, ok && !identity.IsZero()
}
