package mw

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"irrigation-registry-backend/internal/auth"
)

const userIDKey = "userID"

// RequireUser rejects requests whose identity cannot be verified and stores
// the user id in the context.
func RequireUser(v auth.Verifier, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, err := v.Verify(c.Request.Context(), c.Request)
		if err != nil {
			log.Debug("unauthenticated request", zap.String("path", c.FullPath()), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required", "code": "unauthenticated"})
			return
		}
		c.Set(userIDKey, uid)
		c.Next()
	}
}

// UserID returns the id stored by RequireUser, or "" when absent.
func UserID(c *gin.Context) string {
	return c.GetString(userIDKey)
}

// RequireAdminToken guards operator routes with a static bearer token. An
// empty token disables the routes entirely.
func RequireAdminToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		supplied, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" || !ok || subtle.ConstantTimeCompare([]byte(supplied), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "admin token required", "code": "unauthenticated"})
			return
		}
		c.Next()
	}
}
