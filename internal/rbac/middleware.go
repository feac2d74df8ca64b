package rbac

import (
	"net/http"
	"slices"

	"support-platform/internal/auth"
	"support-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Allowed applies the role rules shared by middleware and handlers:
// - super_admin is always allowed
// - an unknown role is always denied
func Allowed(role string, allowed ...string) bool {
	if IsSuperAdmin(role) {
		return true
	}
	return IsValid(role) && slices.Contains(allowed, role)
}

// RequireAnyRole allows access if the caller has any of the provided roles.
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	allowed = slices.Clone(allowed)
	return func(c *gin.Context) {
		role, err := auth.Role(c.Request.Context())
		if err != nil || role == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "role required"})
			return
		}
		if !Allowed(role, allowed...) {
			logger.FromGin(c).Info("rbac denied", "role", role, "path", c.FullPath())
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}
