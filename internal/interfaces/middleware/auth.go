package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/specforge/specforge/pkg/auth"
)

// ContextKeySession is where RequireAuth stores the validated session
const ContextKeySession = "session"

// RequireAuth is a middleware that validates JWT tokens
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"message": "No authorization token provided",
				"code":    "UNAUTHORIZED",
			})
			c.Abort()
			return
		}

		// Extract token (format: "Bearer <token>")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"message": "Invalid authorization header format",
				"code":    "UNAUTHORIZED",
			})
			c.Abort()
			return
		}

		claims, err := auth.ValidateToken(parts[1])
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"message": err.Error(),
				"code":    "UNAUTHORIZED",
			})
			c.Abort()
			return
		}

		c.Set(ContextKeySession, claims.Session)
		c.Next()
	}
}

// RequireAdmin checks that the authenticated session has the admin flag
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionValue, exists := c.Get(ContextKeySession)
		if !exists {
			c.JSON(http.StatusUnauthorized, gin.H{
				"message": "User not authenticated",
				"code":    "UNAUTHORIZED",
			})
			c.Abort()
			return
		}

		session := sessionValue.(auth.Session)
		if !session.Admin {
			c.JSON(http.StatusForbidden, gin.H{
				"message": "Administrator access required",
				"code":    "FORBIDDEN",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
