package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/epickiosk/kiosk/internal/ratelimit"
	"github.com/epickiosk/kiosk/internal/webapi"
)

const (
	MsgBanned      = "this address is banned for abuse"
	MsgUnavailable = "service temporarily unavailable"
	MsgForbidden   = "forbidden"
)

// RateLimit admits a request only when the limiter allows its origin. A
// limiter failure denies.
func RateLimit(limiter Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		origin := c.ClientIP()
		decision, err := limiter.Admit(ctx, origin)
		switch {
		case err != nil:
			slog.ErrorContext(ctx, "rate limiter failed, denying", "origin", origin, "error", err)
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"status": "error", "msg": MsgUnavailable})
			return
		case decision == ratelimit.Banned:
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"status": "banned", "msg": MsgBanned})
			return
		}
		c.Next()
	}
}

// TrustedToken lets through requests carrying the shared token.
func TrustedToken(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(webapi.TokenHeader)
		if token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			slog.WarnContext(c.Request.Context(), "trusted endpoint refused", "path", c.FullPath(), "origin", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"status": "error", "msg": MsgForbidden})
			return
		}
		c.Next()
	}
}

func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		// the route template, never the raw path
		slog.DebugContext(c.Request.Context(), "request",
			"method", c.Request.Method,
			"route", c.FullPath(),
			"status", c.Writer.Status(),
			"elapsed", time.Since(start).String(),
		)
	}
}
