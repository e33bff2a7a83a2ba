package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sanction-engine/internal/dto"
	"github.com/noah-isme/sanction-engine/internal/service"
	appErrors "github.com/noah-isme/sanction-engine/pkg/errors"
	"github.com/noah-isme/sanction-engine/pkg/response"
)

type reconcileRunner interface {
	Run(ctx context.Context, opts service.RunOptions) (*service.ReconcileReport, error)
}

// ReconcileHandler triggers the deadline sweep on demand.
type ReconcileHandler struct {
	reconciler reconcileRunner
}

// NewReconcileHandler constructs the handler.
func NewReconcileHandler(reconciler reconcileRunner) *ReconcileHandler {
	return &ReconcileHandler{reconciler: reconciler}
}

// Run godoc
// @Summary Run the sanction deadline sweep
// @Tags Internal
// @Produce json
// @Param dry_run query bool false "Report without changing anything"
// @Success 200 {object} response.Envelope{data=service.ReconcileReport}
// @Router /internal/reconcile [post]
func (h *ReconcileHandler) Run(c *gin.Context) {
	var query dto.ReconcileQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid reconcile query"))
		return
	}
	report, err := h.reconciler.Run(c.Request.Context(), service.RunOptions{DryRun: query.DryRun})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, report, nil)
}
