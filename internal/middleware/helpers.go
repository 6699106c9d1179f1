// internal/middleware/helpers.go
package middleware

import (
	"duka-service/internal/pkg/jwt"

	"github.com/gin-gonic/gin"
)

func GetClaims(c *gin.Context) (*jwt.Claims, bool) {
	v, exists := c.Get(ctxClaims)
	if !exists {
		return nil, false
	}
	claims, ok := v.(*jwt.Claims)
	return claims, ok
}

// GetStoreID returns the store the token is bound to, if any.
func GetStoreID(c *gin.Context) string {
	return c.GetString(ctxStoreID)
}

func GetRoles(c *gin.Context) []string {
	return c.GetStringSlice(ctxRoles)
}

// GetActor names the caller for audit logs: the token subject, else its store.
func GetActor(c *gin.Context) string {
	claims, ok := GetClaims(c)
	if !ok {
		return ""
	}
	if claims.Subject != "" {
		return claims.Subject
	}
	return claims.StoreID
}

func IsAdmin(c *gin.Context) bool {
	claims, ok := GetClaims(c)
	return ok && claims.IsAdmin()
}
