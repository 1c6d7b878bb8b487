package auth

import (
	"net/http"
	"strings"

	"github.com/KevinKickass/OpenFEACore/internal/types"
	"github.com/gin-gonic/gin"
)

// Gin context keys set by AuthMiddleware.
const (
	ContextPermissions = "permissions"
	ContextPrincipal   = "principal"
)

var allPermissions = []Permission{PermViewer, PermOperator, PermCalibrator, PermAdmin}

// AuthMiddleware validates tokens and enforces authentication
func (a *AuthService) AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.enabled {
			c.Set(ContextPermissions, allPermissions)
			c.Set(ContextPrincipal, "anonymous")
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse("AUTH_401", "missing authorization header", nil))
			return
		}

		// Extract token from "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse("AUTH_401", "invalid authorization header format", nil))
			return
		}

		principal, permissions, err := a.ValidateToken(parts[1])
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				types.NewErrorResponse("AUTH_401", "invalid or expired token", nil))
			return
		}

		c.Set(ContextPermissions, permissions)
		c.Set(ContextPrincipal, principal)
		c.Next()
	}
}

// RequirePermission checks if user has required permission
func RequirePermission(required Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !HasPermission(c, required) {
			c.AbortWithStatusJSON(http.StatusForbidden,
				types.NewErrorResponse("AUTH_403", "insufficient permissions", gin.H{"required": string(required)}))
			return
		}
		c.Next()
	}
}

// HasPermission reports whether the authenticated caller holds p.
func HasPermission(c *gin.Context, p Permission) bool {
	perms, ok := c.Get(ContextPermissions)
	if !ok {
		return false
	}
	for _, have := range perms.([]Permission) {
		if have == p {
			return true
		}
	}
	return false
}

// Principal returns the username or machine token name of the caller.
func Principal(c *gin.Context) string {
	return c.GetString(ContextPrincipal)
}
