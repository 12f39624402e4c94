package rbac

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"voice-platform/internal/auth"
)

// RequireAnyRole allows the request when the caller holds one of allowed. Admins always pass.
// Roles outside Known are refused even when listed. It must run after auth.RequireAccessToken.
func RequireAnyRole(allowed ...string) gin.HandlerFunc {
	allowedSet := make(map[string]struct{}, len(allowed))
	for _, r := range allowed {
		allowedSet[r] = struct{}{}
	}

	return func(c *gin.Context) {
		role, err := auth.Role(c.Request.Context())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "role required"})
			return
		}
		if !Known(role) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "unknown role"})
			return
		}
		if IsAdmin(role) {
			c.Next()
			return
		}
		if _, ok := allowedSet[role]; !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
		c.Next()
	}
}

// CanSeeUser reports whether the caller in c may read data owned by ownerID.
func CanSeeUser(c *gin.Context, ownerID string) bool {
	uid, role := auth.Identity(c)
	return IsAdmin(role) || (uid != "" && uid == ownerID)
}
