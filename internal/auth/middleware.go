package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"signal-screener/internal/errs"
)

// ContextKeyIdentity is the gin context key holding the caller Identity.
const ContextKeyIdentity = "auth_identity"

// Middleware authenticates every request with a bearer token.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortUnauthorized(c, "missing authorization header")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			abortUnauthorized(c, "invalid authorization header format")
			return
		}

		id, err := v.Verify(parts[1])
		if err != nil {
			abortUnauthorized(c, err.Error())
			return
		}

		c.Set(ContextKeyIdentity, id)
		c.Next()
	}
}

// RequireAdmin ensures the caller carries the admin role.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IdentityFrom(c).IsAdmin() {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   errs.KindForbidden.String(),
				"message": "admin access required",
				"code":    http.StatusForbidden,
			})
			return
		}
		c.Next()
	}
}

// IdentityFrom extracts the caller identity set by Middleware. The zero
// identity means the request was not authenticated.
func IdentityFrom(c *gin.Context) Identity {
	if v, exists := c.Get(ContextKeyIdentity); exists {
		if id, ok := v.(Identity); ok {
			return id
		}
	}
	return Identity{}
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   errs.KindAuth.String(),
		"message": message,
		"code":    http.StatusUnauthorized,
	})
}
