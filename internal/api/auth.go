package api

import (
	"crypto/subtle"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// AuthMiddleware validates bearer tokens against a fixed token read
// once at startup. If the token is empty, every request is allowed —
// a deliberate fail-open-when-unconfigured behavior for development.
func AuthMiddleware(token string) gin.HandlerFunc {
	if token == "" {
		log.Println("[WARNING] API_AUTH_TOKEN is not set. All protected endpoints are publicly accessible.")
	}

	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}

		auth := c.GetHeader("Authorization")
		if auth == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing_authorization", "hint": "Use: Authorization: Bearer <token>"})
			c.Abort()
			return
		}

		parts := strings.SplitN(auth, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.JSON(http.StatusForbidden, gin.H{"error": "invalid_authorization_format"})
			c.Abort()
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
			c.JSON(http.StatusForbidden, gin.H{"error": "invalid_token"})
			c.Abort()
			return
		}

		c.Next()
	}
}
