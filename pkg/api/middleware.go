package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/genesis-bot/genesis/pkg/models"
)

const ctxUserKey = "api.user"

// requestLogger logs one line per request.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds())
	}
}

// authenticate verifies HTTP Basic credentials against the user store
// and attaches the account to the request context.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		username, password, ok := c.Request.BasicAuth()
		if !ok {
			c.Header("WWW-Authenticate", `Basic realm="genesis"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}
		user, err := s.users.Verify(c.Request.Context(), username, password)
		if err != nil {
			c.Header("WWW-Authenticate", `Basic realm="genesis"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		c.Set(ctxUserKey, user)
		c.Next()
	}
}

// requireAdmin rejects non-admin accounts. Must run after authenticate.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if currentUser(c).Role != models.UserRoleAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin role required"})
		}
	}
}

// currentUser returns the authenticated account set by authenticate.
func currentUser(c *gin.Context) *models.User {
	return c.MustGet(ctxUserKey).(*models.User)
}

func isAdmin(c *gin.Context) bool {
	return currentUser(c).Role == models.UserRoleAdmin
}
