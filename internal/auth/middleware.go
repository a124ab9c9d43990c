package auth

import (
	"strings"

	"github.com/gin-gonic/gin"

	"qrattend/internal/apperr"
	"qrattend/internal/response"
)

const claimsKey = "claims"

// Bearer enforces HS256 JWTs from the Authorization header. Websocket clients
// that cannot set headers may pass the token as the access_token query value.
func Bearer(signingKey, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr := bearerToken(c)
		if tokenStr == "" {
			response.Abort(c, apperr.Clone(apperr.ErrUnauthorized, "missing bearer token"))
			return
		}
		claims, err := Parse(tokenStr, signingKey, issuer)
		if err != nil {
			response.Abort(c, apperr.Wrap(err, apperr.ErrUnauthorized, "invalid token"))
			return
		}
		c.Set(claimsKey, claims)
		c.Next()
	}
}

// RequireRole rejects callers whose token carries none of roles.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := ClaimsFrom(c)
		if !ok {
			response.Abort(c, apperr.ErrUnauthorized)
			return
		}
		for _, r := range roles {
			if claims.Role == r {
				c.Next()
				return
			}
		}
		response.Abort(c, apperr.Clone(apperr.ErrForbidden, "role not permitted"))
	}
}

// ClaimsFrom returns the claims Bearer stored on the context.
func ClaimsFrom(c *gin.Context) (Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return Claims{}, false
	}
	claims, ok := v.(Claims)
	return claims, ok
}

func bearerToken(c *gin.Context) string {
	authz := c.GetHeader("Authorization")
	if len(authz) > len("bearer ") && strings.EqualFold(authz[:len("bearer ")], "bearer ") {
		return strings.TrimSpace(authz[len("bearer "):])
	}
	return c.Query("access_token")
}
