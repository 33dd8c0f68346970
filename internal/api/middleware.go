package api

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mosacloud/messages-sub001/internal/auth"
)

// Middleware provides API middleware functions
type Middleware struct {
	authService *auth.Service
}

func NewMiddleware(authService *auth.Service) *Middleware {
	return &Middleware{authService: authService}
}

// AuthRequired ensures the request has a valid JWT token
func (m *Middleware) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.JSON(401, gin.H{"error": "Authorization header required"})
			c.Abort()
			return
		}

		tokenParts := strings.Split(authHeader, " ")
		if len(tokenParts) != 2 || tokenParts[0] != "Bearer" {
			c.JSON(401, gin.H{"error": "Invalid authorization format"})
			c.Abort()
			return
		}

		claims, err := m.authService.VerifyToken(tokenParts[1])
		if err != nil {
			c.JSON(401, gin.H{"error": "Invalid token"})
			c.Abort()
			return
		}

		clientID, ok := claims["client_id"].(string)
		if !ok {
			c.JSON(401, gin.H{"error": "Invalid token claims"})
			c.Abort()
			return
		}

		c.Set("clientID", clientID)
		c.Next()
	}
}
