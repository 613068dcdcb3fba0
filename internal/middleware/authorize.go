package middleware

import (
	"fmt"
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"

	"katasu/internal/models"
)

// RequireAdmin guards the operator surface.
func RequireAdmin() gin.HandlerFunc {
	return RequireRoles(models.UserRoleAdmin)
}

// RequireRoles must run after Auth. A denial is attached to the request's
// errors so the request log shows who was refused.
func RequireRoles(roles ...models.UserRole) gin.HandlerFunc {
	allowed := slices.Clone(roles)

	return func(c *gin.Context) {
		user, ok := CurrentUser(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		if !slices.Contains(allowed, user.Role) {
			_ = c.Error(fmt.Errorf("role %q not allowed on %s", user.Role, c.FullPath())).SetType(gin.ErrorTypePrivate)
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient_role"})
			return
		}
		c.Next()
	}
}
