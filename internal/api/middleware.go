package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/driftline-dev/driftline/internal/proxy"
)

// routedSessionIDKey is the gin.Context key the Routing Middleware stores
// a subdomain-extracted session id under, for Preview to pick up without
// re-parsing the Host header.
const routedSessionIDKey = "driftline.routed_session_id"

// RoutingMiddleware implements the Routing Middleware (component G) for
// subdomain mode: it extracts the session id encoded in the Host header and
// stashes it on the context, letting requests that don't match a preview
// subdomain (the API's own domain, for instance) fall through unchanged.
// It is registered in both modes but is a no-op in path-routing mode, where
// Preview parses the id directly out of the URL path.
func (h *Handler) RoutingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !h.useSubdomainRouting {
			c.Next()
			return
		}
		if id, ok := proxy.ExtractSubdomainSessionID(c.Request.Host, h.previewDomain); ok {
			c.Set(routedSessionIDKey, id)
		}
		c.Next()
	}
}

// RequireOperatorAuth guards the management API (spec §6.1) with a shared
// secret compared in constant time, or, when jwtSecret is configured, an
// HS256 bearer token signed with it — an operator UI can issue its own
// short-lived tokens instead of distributing the shared secret to every
// caller. Either credential is distinct from the per-session access tokens
// the preview surface uses. Both checks disabled (blank secret, blank jwt
// secret) is a local-development no-op.
func RequireOperatorAuth(secret, jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" && jwtSecret == "" {
			c.Next()
			return
		}

		if secret != "" {
			presented := c.GetHeader("X-API-Secret")
			if subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) == 1 {
				c.Next()
				return
			}
		}

		if jwtSecret != "" {
			if validateOperatorToken(c.GetHeader("Authorization"), jwtSecret) {
				c.Next()
				return
			}
		}

		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
}

func validateOperatorToken(authHeader, jwtSecret string) bool {
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return false
	}
	raw := strings.TrimPrefix(authHeader, prefix)

	token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenSignatureInvalid
		}
		return []byte(jwtSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	return err == nil && token.Valid
}
