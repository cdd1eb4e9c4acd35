package middleware

import (
	"deskgrid/pkg/logger"
	"net/http"
	"runtime/debug"

	"github.com/gin-gonic/gin"
)

// Recovery turns a panicking handler into a 500 instead of taking the
// gateway, and every live desktop session with it, down.
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				stack := debug.Stack()

				logger.ErrorCtx(c.Request.Context(),
					"Panic in handler %s %s: %v\nstack:\n%s",
					c.Request.Method, c.Request.URL.Path, err, string(stack),
				)
				// The stack only leaves the process in debug mode.
				if gin.Mode() == gin.DebugMode {
					c.JSON(http.StatusInternalServerError, gin.H{
						"error":   err,
						"stack":   string(stack),
						"message": "Internal Server Error",
					})
				}
			}
		}()

		c.Next()
	}
}
