package middlewares

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/mrms_backend/config"
	"github.com/mmdatafocus/mrms_backend/models"
	"github.com/mmdatafocus/mrms_backend/utils"
)

// SessionMiddleware resolves the "token" header to a logged in user and
// scopes the request to that user's business.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		username, exists, err := config.GetRedisValue(ctx, "Token:"+token)
		if err != nil || !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		user, err := models.GetUserByUsername(ctx, username)
		if err != nil || !user.IsEnabled() {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		ctx = utils.SetTokenInContext(ctx, token)
		ctx = utils.SetUserInContext(ctx, user.BusinessId, user.ID, user.Username, user.Name, string(user.Role))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireUser rejects requests that neither a session nor a bearer token identified.
func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if businessId, ok := utils.GetBusinessIdFromContext(c.Request.Context()); !ok || businessId == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}
