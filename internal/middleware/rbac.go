package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lexicon-cms/lexicon-api/internal/models"
	appErrors "github.com/lexicon-cms/lexicon-api/pkg/errors"
	"github.com/lexicon-cms/lexicon-api/pkg/response"
)

// RequirePermission gates a route on a permission carried in the token
// claims. Checks run against the permission set captured at issuance; a role
// change takes effect when the access token is next refreshed.
func RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := CurrentUser(c)
		if claims == nil {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}

		if !claims.HasPermission(permission) {
			response.Error(c, appErrors.ErrForbidden)
			c.Abort()
			return
		}

		c.Next()
	}
}

// RequireRole gates a route on role names rather than individual permissions.
func RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := CurrentUser(c)
		if claims == nil {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}

		for _, role := range roles {
			if strings.EqualFold(claims.Role, role) {
				c.Next()
				return
			}
		}

		response.Error(c, appErrors.ErrForbidden)
		c.Abort()
	}
}

// CurrentUser returns the claims attached by the JWT middleware, or nil.
func CurrentUser(c *gin.Context) *models.AccessClaims {
	value, exists := c.Get(ContextUserKey)
	if !exists {
		return nil
	}
	claims, ok := value.(*models.AccessClaims)
	if !ok {
		return nil
	}
	return claims
}
