package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	apperrors "callsession/pkg/errors"

	"github.com/gin-gonic/gin"
)

// APITokenMiddleware requires "Authorization: Bearer <token>" when token is
// non-empty. An empty token disables the check.
func APITokenMiddleware(token string) gin.HandlerFunc {
	if token == "" {
		return func(c *gin.Context) { c.Next() }
	}
	want := []byte(token)
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortUnauthorized(c, "authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			abortUnauthorized(c, "invalid authorization header format")
			return
		}
		if subtle.ConstantTimeCompare([]byte(parts[1]), want) != 1 {
			abortUnauthorized(c, "invalid token")
			return
		}
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   string(apperrors.ErrCodeAuthFailed),
		"message": msg,
	})
}
