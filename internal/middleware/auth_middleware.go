// internal/middleware/auth_middleware.go
package middleware

import (
	"fmt"
	"net/http"
	"strings"

	xerrors "duka-service/internal/pkg/errors"
	"duka-service/internal/pkg/jwt"
	"duka-service/internal/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
)

const (
	ctxClaims  = "claims"
	ctxStoreID = "store_id"
	ctxRoles   = "roles"
	ctxJTI     = "jti"
)

type AuthMiddleware struct {
	verifier *jwt.Verifier
}

func NewAuthMiddleware(verifier *jwt.Verifier) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier}
}

// Auth is the base authentication middleware that validates JWT tokens
func (m *AuthMiddleware) Auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := extractToken(c)
		if token == "" {
			response.Error(c, http.StatusUnauthorized, "missing authorization token", nil)
			return
		}
		if m.verifier == nil {
			response.Error(c, http.StatusUnauthorized, "token verification is not configured", nil)
			return
		}

		claims, err := m.verifier.VerifyAccessToken(token)
		if err != nil {
			response.Error(c, http.StatusUnauthorized, "invalid or expired token", err)
			return
		}

		c.Set(ctxClaims, claims)
		c.Set(ctxStoreID, claims.StoreID)
		c.Set(ctxRoles, claims.Roles)
		c.Set(ctxJTI, claims.ID)

		c.Next()
	}
}

// RequireRole requires at least one of roles. MUST be used after Auth().
func (m *AuthMiddleware) RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userRoles := GetRoles(c)
		if len(userRoles) == 0 {
			response.Error(c, http.StatusForbidden, "no roles found - authentication required", nil)
			return
		}

		if len(lo.Intersect(userRoles, roles)) == 0 {
			err := fmt.Errorf("caller does not have required role: %w", xerrors.ErrForbidden)
			response.FromError(c, "insufficient permissions", err, map[string]interface{}{
				"required_roles": roles,
			})
			return
		}

		c.Next()
	}
}

// RequireStoreAccess lets admins through and store tokens only for the store
// named by the param route parameter. MUST be used after Auth().
func (m *AuthMiddleware) RequireStoreAccess(param string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := GetClaims(c)
		if !ok {
			response.Error(c, http.StatusUnauthorized, "authentication required", nil)
			return
		}

		if !claims.CanAccessStore(c.Param(param)) {
			err := fmt.Errorf("store %s: %w", c.Param(param), xerrors.ErrForbidden)
			response.FromError(c, "token is not valid for this store", err)
			return
		}

		c.Next()
	}
}

// AdminOnly returns middlewares for admin-only routes (Auth + RequireRole)
func (m *AuthMiddleware) AdminOnly() []gin.HandlerFunc {
	return []gin.HandlerFunc{
		m.Auth(),
		m.RequireRole(jwt.RoleAdmin, jwt.RoleSuperAdmin),
	}
}

// StoreScoped returns middlewares for routes keyed by a store id parameter.
func (m *AuthMiddleware) StoreScoped(param string) []gin.HandlerFunc {
	return []gin.HandlerFunc{
		m.Auth(),
		m.RequireStoreAccess(param),
	}
}

// extractToken extracts Bearer token from Authorization header
func extractToken(c *gin.Context) string {
	parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}
