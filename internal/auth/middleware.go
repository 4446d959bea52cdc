package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ContextKeyActor is the gin context key holding the authenticated Actor
const ContextKeyActor = "authActor"

// Middleware verifies the bearer token when present and stores the Actor.
// Requests without a valid token pass through; RequireAuth rejects them.
func Middleware(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "))
		if raw != "" {
			if claims, err := m.Validate(raw); err == nil {
				c.Set(ContextKeyActor, claims.Actor())
			}
		}
		c.Next()
	}
}

// RequireAuth rejects requests without a verified identity
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := GetActor(c); !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Valid token required. Include 'Authorization: Bearer <token>' header.",
			})
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects requests whose identity is not an admin
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := GetActor(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Valid token required.",
			})
			return
		}
		if !actor.IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin role required.",
			})
			return
		}
		c.Next()
	}
}

// GetActor returns the authenticated actor from context
func GetActor(c *gin.Context) (Actor, bool) {
	v, exists := c.Get(ContextKeyActor)
	if !exists {
		return Actor{}, false
	}
	actor, ok := v.(Actor)
	return actor, ok
}

// MustActor returns the actor set by RequireAuth. Handlers behind RequireAuth
// can rely on it being present.
func MustActor(c *gin.Context) Actor {
	actor, _ := GetActor(c)
	return actor
}
