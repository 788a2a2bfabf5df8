package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	apperrors "github.com/truar/DepotVente-sub001/internal/errors"
	"github.com/truar/DepotVente-sub001/internal/logging"
)

// ContextKey is where Middleware stores the verified Claims.
const ContextKey = "auth.claims"

// Middleware rejects requests without a valid bearer token.
func Middleware(j JWT) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, found := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !found || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  apperrors.ErrAuth,
				"error": "missing bearer token",
			})
			return
		}

		claims, err := j.Verify(token)
		if err != nil {
			logging.Debug("Rejected bearer token", map[string]interface{}{
				"path":  c.FullPath(),
				"error": err.Error(),
			})
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  apperrors.ErrAuth,
				"error": "invalid token",
			})
			return
		}

		c.Set(ContextKey, claims)
		c.Next()
	}
}

// ClaimsFrom returns the claims stored by Middleware.
func ClaimsFrom(c *gin.Context) (Claims, bool) {
	v, ok := c.Get(ContextKey)
	if !ok {
		return Claims{}, false
	}
	claims, ok := v.(Claims)
	return claims, ok
}
