// Package middleware provides Gin HTTP middleware for authentication, authorization,
// rate limiting, request correlation and audit capture.
//
// Middleware ordering matters and is enforced in router.go:
//
//	Recovery → RequestID → Metrics → Logger → Auth → RateLimit → Audit → RBAC → Handler
//
// Auth populates the caller identity and scopes, so rate limits are charged
// per caller rather than per IP. The audit interceptor sits before RBAC so that
// denied requests are recorded as failures too.
package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/audittrail/audittrail/internal/auth"
)

// Context keys set by AuthMiddleware and read by the RBAC middleware and the
// audit interceptor.
const (
	UserIDKey         = "user_id"
	UserEmailKey      = "user_email"
	UserRoleKey       = "user_role"
	SessionIDKey      = "session_id"
	ImpersonatedByKey = "impersonated_by"
	ScopesKey         = "scopes"
	AuthMethodKey     = "auth_method"
	APIKeyIDKey       = "api_key_id"
)

// Authenticator resolves a bearer token into a caller identity.
type Authenticator struct {
	jwt  *auth.JWTManager
	keys *auth.KeyRing
}

// NewAuthenticator combines JWT and service-key authentication. Either may be nil.
func NewAuthenticator(jwt *auth.JWTManager, keys *auth.KeyRing) *Authenticator {
	return &Authenticator{jwt: jwt, keys: keys}
}

// authenticate populates the gin context from token. It reports false when
// neither a JWT nor a service key matched.
func (a *Authenticator) authenticate(c *gin.Context, token string) bool {
	// JWT first: it needs no bcrypt comparison.
	if a.jwt != nil {
		if claims, err := a.jwt.Validate(token); err == nil {
			c.Set(UserIDKey, claims.UserID)
			c.Set(UserEmailKey, claims.Email)
			c.Set(UserRoleKey, claims.Role)
			c.Set(SessionIDKey, claims.SessionID)
			c.Set(ImpersonatedByKey, claims.ImpersonatedBy)
			c.Set(ScopesKey, append([]string{}, claims.Scopes...))
			c.Set(AuthMethodKey, "jwt")
			return true
		}
	}

	if key := a.keys.Authenticate(token); key != nil {
		c.Set(UserIDKey, "service:"+key.Name)
		c.Set(UserRoleKey, "service")
		c.Set(ScopesKey, append([]string{}, key.Scopes...))
		c.Set(AuthMethodKey, "api_key")
		c.Set(APIKeyIDKey, key.Prefix)
		return true
	}
	return false
}

// AuthMiddleware validates authentication (JWT or service API key).
func AuthMiddleware(a *Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := auth.ExtractBearerToken(c.GetHeader("Authorization"))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": err.Error(),
			})
			return
		}

		if !a.authenticate(c, token) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid credentials",
			})
			return
		}
		c.Next()
	}
}

// OptionalAuthMiddleware - same as AuthMiddleware but doesn't abort if no auth
func OptionalAuthMiddleware(a *Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token, err := auth.ExtractBearerToken(c.GetHeader("Authorization")); err == nil {
			a.authenticate(c, token)
		}
		c.Next()
	}
}
