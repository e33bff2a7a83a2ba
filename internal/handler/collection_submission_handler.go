package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sanction-engine/internal/dto"
	"github.com/noah-isme/sanction-engine/internal/models"
	appErrors "github.com/noah-isme/sanction-engine/pkg/errors"
	"github.com/noah-isme/sanction-engine/pkg/response"
)

type collectionSubmissionService interface {
	Create(ctx context.Context, req dto.CreateCollectionSubmissionRequest, actor models.Actor) (*models.CollectionSubmission, error)
	Get(ctx context.Context, id string) (*models.CollectionSubmission, error)
	Fire(ctx context.Context, id string, trigger models.CollectionSubmissionTrigger, actor models.Actor, comment string) (*models.CollectionSubmission, error)
}

// CollectionSubmissionHandler exposes collection submission endpoints.
type CollectionSubmissionHandler struct {
	submissions collectionSubmissionService
}

// NewCollectionSubmissionHandler constructs the handler.
func NewCollectionSubmissionHandler(submissions collectionSubmissionService) *CollectionSubmissionHandler {
	return &CollectionSubmissionHandler{submissions: submissions}
}

// Create godoc
// @Summary Add an item to a collection
// @Tags Collection Submissions
// @Accept json
// @Produce json
// @Param payload body dto.CreateCollectionSubmissionRequest true "Submission payload"
// @Success 201 {object} response.Envelope{data=models.CollectionSubmission}
// @Router /collection-submissions [post]
func (h *CollectionSubmissionHandler) Create(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	var req dto.CreateCollectionSubmissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid collection submission payload"))
		return
	}
	submission, err := h.submissions.Create(c.Request.Context(), req, actor)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, submission)
}

// Get godoc
// @Summary Get a collection submission
// @Tags Collection Submissions
// @Produce json
// @Param id path string true "Submission ID"
// @Success 200 {object} response.Envelope{data=models.CollectionSubmission}
// @Router /collection-submissions/{id} [get]
func (h *CollectionSubmissionHandler) Get(c *gin.Context) {
	submission, err := h.submissions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, submission, nil)
}

// Trigger godoc
// @Summary Fire a workflow trigger on a collection submission
// @Tags Collection Submissions
// @Accept json
// @Produce json
// @Param id path string true "Submission ID"
// @Param trigger path string true "submit, accept, reject, remove, resubmit or cancel"
// @Param payload body dto.CollectionSubmissionTriggerRequest false "Optional comment"
// @Success 200 {object} response.Envelope{data=models.CollectionSubmission}
// @Router /collection-submissions/{id}/{trigger} [post]
func (h *CollectionSubmissionHandler) Trigger(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		return
	}
	trigger, valid := models.ParseCollectionSubmissionTrigger(c.Param("trigger"))
	if !valid {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "unknown trigger "+c.Param("trigger")))
		return
	}
	var req dto.CollectionSubmissionTriggerRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid trigger payload"))
		return
	}
	submission, err := h.submissions.Fire(c.Request.Context(), c.Param("id"), trigger, actor, req.Comment)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, submission, nil)
}
