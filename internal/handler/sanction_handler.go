package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sanction-engine/internal/dto"
	"github.com/noah-isme/sanction-engine/internal/models"
	"github.com/noah-isme/sanction-engine/internal/service"
	appErrors "github.com/noah-isme/sanction-engine/pkg/errors"
	"github.com/noah-isme/sanction-engine/pkg/response"
)

type sanctionService interface {
	Create(ctx context.Context, req dto.CreateSanctionRequest) (*models.Sanction, error)
	Get(ctx context.Context, id string) (*service.SanctionDetail, error)
	ModerationQueue(ctx context.Context, query dto.ModerationQueueQuery) ([]models.Sanction, *models.Pagination, error)
	Submit(ctx context.Context, id string, actor models.Actor, opts ...service.TriggerOption) (*service.Outcome, error)
	Approve(ctx context.Context, id string, approver models.Actor, opts ...service.TriggerOption) (*service.Outcome, error)
	Accept(ctx context.Context, id string, actor models.Actor, opts ...service.TriggerOption) (*service.Outcome, error)
	Reject(ctx context.Context, id string, actor models.Actor, opts ...service.TriggerOption) (*service.Outcome, error)
	Resubmit(ctx context.Context, id string, actor models.Actor, opts ...service.TriggerOption) (*service.Outcome, error)
}

type sanctionTrigger func(ctx context.Context, id string, actor models.Actor, opts ...service.TriggerOption) (*service.Outcome, error)

// SanctionHandler exposes sanction endpoints.
type SanctionHandler struct {
	sanctions sanctionService
}

// NewSanctionHandler constructs a sanction handler.
func NewSanctionHandler(sanctions sanctionService) *SanctionHandler {
	return &SanctionHandler{sanctions: sanctions}
}

// Create godoc
// @Summary Open a sanction on a registration
// @Tags Sanctions
// @Accept json
// @Produce json
// @Param payload body dto.CreateSanctionRequest true "Sanction payload"
// @Success 201 {object} response.Envelope{data=models.Sanction}
// @Router /sanctions [post]
func (h *SanctionHandler) Create(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req dto.CreateSanctionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid sanction payload"))
		return
	}
	req.InitiatedBy = actor.ID
	sanction, err := h.sanctions.Create(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, sanction)
}

// Get godoc
// @Summary Get a sanction with its registration moderation state
// @Tags Sanctions
// @Produce json
// @Param id path string true "Sanction ID"
// @Success 200 {object} response.Envelope
// @Router /sanctions/{id} [get]
func (h *SanctionHandler) Get(c *gin.Context) {
	detail, err := h.sanctions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, detail, nil)
}

// ModerationQueue godoc
// @Summary List sanctions pending moderation
// @Tags Moderation
// @Produce json
// @Param type query string false "Comma separated sanction types"
// @Param page query int false "Page"
// @Param page_size query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /moderation/sanctions [get]
func (h *SanctionHandler) ModerationQueue(c *gin.Context) {
	query := dto.ModerationQueueQuery{}
	if raw := strings.TrimSpace(c.Query("type")); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			t := models.SanctionType(strings.TrimSpace(part))
			if !t.Valid() {
				response.Error(c, appErrors.Clone(appErrors.ErrValidation, "unknown sanction type "+string(t)))
				return
			}
			query.Types = append(query.Types, t)
		}
	}
	query.Page, _ = strconv.Atoi(c.DefaultQuery("page", "1"))
	query.PageSize, _ = strconv.Atoi(c.DefaultQuery("page_size", "25"))

	items, pagination, err := h.sanctions.ModerationQueue(c.Request.Context(), query)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, items, pagination)
}

// Submit godoc
// @Summary Send a sanction to its approvers
// @Tags Sanctions
// @Produce json
// @Param id path string true "Sanction ID"
// @Success 200 {object} response.Envelope{data=service.Outcome}
// @Router /sanctions/{id}/submit [post]
func (h *SanctionHandler) Submit(c *gin.Context) {
	h.fire(c, h.sanctions.Submit)
}

// Approve godoc
// @Summary Record the signed-in approver's consent
// @Tags Sanctions
// @Produce json
// @Param id path string true "Sanction ID"
// @Success 200 {object} response.Envelope{data=service.Outcome}
// @Router /sanctions/{id}/approve [post]
func (h *SanctionHandler) Approve(c *gin.Context) {
	h.fire(c, h.sanctions.Approve)
}

// Reject godoc
// @Summary Reject a sanction as an approver or moderator
// @Tags Sanctions
// @Accept json
// @Produce json
// @Param id path string true "Sanction ID"
// @Param payload body dto.SanctionDecisionRequest false "Optional comment"
// @Success 200 {object} response.Envelope{data=service.Outcome}
// @Router /sanctions/{id}/reject [post]
func (h *SanctionHandler) Reject(c *gin.Context) {
	h.fire(c, h.sanctions.Reject)
}

// Resubmit godoc
// @Summary Reopen a rejected sanction with fresh approval links
// @Tags Sanctions
// @Produce json
// @Param id path string true "Sanction ID"
// @Success 200 {object} response.Envelope{data=service.Outcome}
// @Router /sanctions/{id}/resubmit [post]
func (h *SanctionHandler) Resubmit(c *gin.Context) {
	h.fire(c, h.sanctions.Resubmit)
}

// Accept godoc
// @Summary Accept a sanction pending moderation
// @Tags Moderation
// @Accept json
// @Produce json
// @Param id path string true "Sanction ID"
// @Param payload body dto.SanctionDecisionRequest false "Optional comment"
// @Success 200 {object} response.Envelope{data=service.Outcome}
// @Router /moderation/sanctions/{id}/accept [post]
func (h *SanctionHandler) Accept(c *gin.Context) {
	h.fire(c, h.sanctions.Accept)
}

func (h *SanctionHandler) fire(c *gin.Context, trigger sanctionTrigger) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req dto.SanctionDecisionRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid decision payload"))
		return
	}
	outcome, err := trigger(c.Request.Context(), c.Param("id"), actor, service.WithComment(req.Comment))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, outcome, nil)
}
