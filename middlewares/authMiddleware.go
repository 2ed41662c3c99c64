package middlewares

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/mrms_backend/utils"
)

// AuthMiddleware accepts "Authorization: Bearer <jwt>" from integration
// clients. A request that already carries a session is left alone.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.Request.Header.Get("Authorization")
		if auth == "" {
			c.Next()
			return
		}
		if _, ok := utils.GetUsernameFromContext(c.Request.Context()); ok {
			c.Next()
			return
		}

		raw, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		claims, err := utils.JwtValidate(raw)
		if err != nil || claims.BusinessId == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		ctx := utils.SetUserInContext(c.Request.Context(), claims.BusinessId, claims.ID, fmt.Sprintf("api:%d", claims.ID), "API client", claims.Role)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
