package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sanction-engine/internal/dto"
	"github.com/noah-isme/sanction-engine/internal/models"
	"github.com/noah-isme/sanction-engine/internal/service"
	"github.com/noah-isme/sanction-engine/pkg/response"
)

type tokenDispatcher interface {
	Dispatch(ctx context.Context, raw string) (*service.TokenResult, error)
}

// TokenHandler serves the links emailed to sanction approvers.
type TokenHandler struct {
	tokens tokenDispatcher
}

// NewTokenHandler constructs a token handler.
func NewTokenHandler(tokens tokenDispatcher) *TokenHandler {
	return &TokenHandler{tokens: tokens}
}

// Dispatch godoc
// @Summary Follow an approval or rejection link
// @Description The token itself authorises the action; no session is required.
// @Tags Tokens
// @Produce json
// @Param token path string true "Approval token"
// @Success 200 {object} response.Envelope{data=dto.TokenDispatchResponse}
// @Failure 400 {object} response.Envelope
// @Failure 410 {object} response.Envelope
// @Router /tokens/{token} [get]
func (h *TokenHandler) Dispatch(c *gin.Context) {
	result, err := h.tokens.Dispatch(c.Request.Context(), c.Param("token"))
	if err != nil {
		response.Error(c, err)
		return
	}
	payload := dto.TokenDispatchResponse{
		SanctionID: result.SanctionID,
		Action:     result.Action,
		Status:     result.Status,
		Message:    result.Message,
	}
	if result.Sanction != nil {
		payload.State = result.Sanction.State
		payload.ModerationState = models.ModerationStateFor(result.Sanction.Type, result.Sanction.State)
	}
	response.JSON(c, http.StatusOK, payload, nil, map[string]interface{}{"status": result.Status})
}
