// Package middleware (rbac.go) implements scope-based authorization middleware.
//
// Scopes come from the JWT claims or the service key and are placed in the
// gin context by AuthMiddleware.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/audittrail/audittrail/internal/auth"
)

func callerScopes(c *gin.Context) ([]string, bool) {
	v, exists := c.Get(ScopesKey)
	if !exists {
		return nil, false
	}
	scopes, ok := v.([]string)
	return scopes, ok
}

// RequireScope checks if the authenticated caller has the required scope
func RequireScope(scope auth.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		userScopes, ok := callerScopes(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Insufficient permissions",
			})
			return
		}

		if !auth.HasScope(userScopes, scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "Missing required scope",
				"details": "Required scope: " + string(scope),
			})
			return
		}

		c.Next()
	}
}

// RequireAnyScope checks if the caller has at least one of the required scopes
func RequireAnyScope(scopes ...auth.Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		userScopes, ok := callerScopes(c)
		if !ok || !auth.HasAnyScope(userScopes, scopes) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "Missing required scope",
			})
			return
		}

		c.Next()
	}
}
