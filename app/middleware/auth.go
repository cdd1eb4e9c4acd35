package middleware

import (
	"net/http"
	"strings"

	"deskgrid/pkg/config"
	"deskgrid/pkg/logger"

	"github.com/gin-gonic/gin"
)

// AuthMiddleware checks the static bearer token once at the gateway
// boundary; replica and task routes never re-validate.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		expectedAPIKey := config.GlobalConfig.Server.APIKey

		// An unset api_key means an open gateway, typical for single-box
		// training runs.
		if expectedAPIKey == "" {
			c.Next()
			return
		}

		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token != expectedAPIKey {
			logger.WarnCtx(c.Request.Context(), "Rejected request with invalid bearer token: %s %s",
				c.Request.Method, c.Request.URL.Path)
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		c.Next()
	}
}
