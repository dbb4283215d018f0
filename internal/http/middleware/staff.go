package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

const StaffKeyHeader = "X-Staff-Key"

// StaffKey guards staff-only routes with a shared secret taken from the
// X-Staff-Key header, or the staff_key query parameter for websocket
// clients that cannot set headers. An empty key disables the check.
func StaffKey(required string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if required == "" {
			c.Next()
			return
		}
		key := c.GetHeader(StaffKeyHeader)
		if key == "" {
			key = c.Query("staff_key")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(required)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"code":    "UNAUTHORIZED",
					"message": "Invalid staff key",
				},
			})
			return
		}
		c.Next()
	}
}
