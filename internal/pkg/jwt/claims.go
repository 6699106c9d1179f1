// internal/pkg/jwt/claims.go
package jwt

import (
	"slices"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleStore      = "store"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"

	PurposeAccess = "access"
)

// Claims carry the store a device acts for, or an operator's roles.
type Claims struct {
	StoreID        string   `json:"store_id,omitempty"`
	Roles          []string `json:"roles,omitempty"`
	SessionPurpose string   `json:"session_purpose"`
	jwt.RegisteredClaims
}

func (c *Claims) HasRole(role string) bool {
	return slices.Contains(c.Roles, role)
}

func (c *Claims) IsAdmin() bool {
	return c.HasRole(RoleAdmin) || c.HasRole(RoleSuperAdmin)
}

// CanAccessStore reports whether the token may read or act on storeID.
func (c *Claims) CanAccessStore(storeID string) bool {
	if c.IsAdmin() {
		return true
	}
	return c.HasRole(RoleStore) && c.StoreID != "" && c.StoreID == storeID
}
