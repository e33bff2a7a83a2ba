package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sanction-engine/internal/middleware"
	"github.com/noah-isme/sanction-engine/internal/models"
	appErrors "github.com/noah-isme/sanction-engine/pkg/errors"
	"github.com/noah-isme/sanction-engine/pkg/response"
)

// actorFromContext resolves the session actor or writes a 401 and reports false.
func actorFromContext(c *gin.Context) (models.Actor, bool) {
	claims := middleware.SessionFromContext(c)
	if claims == nil || claims.UserID == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return models.Actor{}, false
	}
	return models.ActorFromClaims(claims), true
}

// bindOptionalJSON binds a JSON body when one was sent.
func bindOptionalJSON(c *gin.Context, dst interface{}) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	return c.ShouldBindJSON(dst)
}
