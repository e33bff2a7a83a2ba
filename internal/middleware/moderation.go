package middleware

import (
	"github.com/gin-gonic/gin"

	appErrors "github.com/noah-isme/sanction-engine/pkg/errors"
	"github.com/noah-isme/sanction-engine/pkg/response"
)

// RequireModerator admits only sessions flagged as provider moderators.
func RequireModerator() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims := SessionFromContext(c)
		if claims == nil {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}
		if !claims.IsModerator {
			response.Error(c, appErrors.Clone(appErrors.ErrForbidden, "moderator access required"))
			c.Abort()
			return
		}
		c.Next()
	}
}

// FeatureGate hides a route group when the feature is switched off.
func FeatureGate(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !enabled {
			response.Error(c, appErrors.Clone(appErrors.ErrNotFound, "route not found"))
			c.Abort()
			return
		}
		c.Next()
	}
}
