package middleware

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"deskgrid/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tidwall/pretty"
)

// Logger tags each request with a short id, pushes it into the request
// context for the Ctx log helpers, and prints one access-log line per
// request after the handler returns.
func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		reqID := uuid.New().String()[:8]
		ctx := context.WithValue(c.Request.Context(), logger.RequestIDKey, reqID)
		c.Request = c.Request.WithContext(ctx)

		startTime := time.Now()

		// Step and reset bodies are small; logging them makes replaying a
		// failed exchange trivial.
		var bodyStr string
		if c.Request.Method == "POST" {
			bodyStr = getRequestBody(c)
		}

		c.Next()

		// Probes against unknown routes are not worth a line.
		if c.Writer.Status() == http.StatusNotFound {
			return
		}

		logMsg := fmt.Sprintf("[HTTP] %v | %s | %3d | %13v | %15s | %s | %s",
			startTime.Format("2006/01/02 - 15:04:05"),
			reqID,
			c.Writer.Status(),
			time.Since(startTime),
			c.ClientIP(),
			c.Request.Method,
			c.Request.RequestURI,
		)

		if bodyStr != "" {
			logMsg += fmt.Sprintf("\nRequest Body: %s", bodyStr)
		}

		fmt.Println(logMsg)
	}
}

// getRequestBody reads the body and puts it back for the handler.
func getRequestBody(c *gin.Context) string {
	var bodyBytes []byte
	if c.Request.Body != nil {
		bodyBytes, _ = io.ReadAll(c.Request.Body)
		c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
	}
	return CompressBody(string(bodyBytes))
}

// CompressBody strips JSON whitespace and truncates oversized payloads, so
// a base64 screenshot in a body never floods the log.
func CompressBody(body string) string {
	if len(body) == 0 {
		return ""
	}

	compressed := pretty.Ugly([]byte(body))
	if len(compressed) > 1000 {
		return string(compressed[:1000]) + "..."
	}
	return string(compressed)
}
