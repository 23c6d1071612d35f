package actor

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

const ginKey = "actor"

// Middleware resolves the authenticated principal from the
// X-Actor-ID and X-Actor-Role headers set by the edge proxy and
// rejects requests without one.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Actor-ID")
		role := Role(c.GetHeader("X-Actor-Role"))
		if id == "" || (role != RoleUser && role != RoleWorkshop && role != RoleAdmin) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "missing or invalid identity headers",
			})
			return
		}
		c.Set(ginKey, Actor{ID: id, Role: role})
		c.Next()
	}
}

// FromGin returns the Actor resolved by Middleware.
func FromGin(c *gin.Context) Actor {
	if v, ok := c.Get(ginKey); ok {
		if a, ok := v.(Actor); ok {
			return a
		}
	}
	return Actor{}
}
