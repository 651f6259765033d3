package security

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// AdminSecretHeader carries the shared secret for admin routes.
const AdminSecretHeader = "X-Admin-Secret"

// RequireAdminSecret rejects requests whose X-Admin-Secret header does not
// match secret. With an empty secret the admin routes are closed entirely.
func RequireAdminSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
				"error": "admin operations are disabled",
				"code":  "ADMIN_DISABLED",
			})
			return
		}
		got := c.GetHeader(AdminSecretHeader)
		if got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "admin secret required",
				"code":  "UNAUTHORIZED",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "invalid admin secret",
				"code":  "FORBIDDEN",
			})
			return
		}
		c.Next()
	}
}
