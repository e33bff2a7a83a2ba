package dto

import (
	"time"

	"github.com/noah-isme/sanction-engine/internal/models"
)

// CreateSanctionRequest opens a new sanction on a registration.
type CreateSanctionRequest struct {
	Type           models.SanctionType `json:"type" validate:"required,sanction_type"`
	RegistrationID string              `json:"registrationId" validate:"required"`
	InitiatedBy    string              `json:"initiatedBy" validate:"required"`
	ApproverIDs    []string            `json:"approverIds" validate:"required,min=1,unique,dive,required"`
	EndDate        *time.Time          `json:"endDate,omitempty"`
	ParentID       *string             `json:"parentId,omitempty"`
	Justification  string              `json:"justification" validate:"max=2048"`
	Revisable      bool                `json:"revisable"`
	Submit         bool                `json:"submit"`
}

// SanctionDecisionRequest carries a moderator's optional comment.
type SanctionDecisionRequest struct {
	Comment string `json:"comment" validate:"max=2048"`
}

// ModerationQueueQuery mirrors supported queue filters.
type ModerationQueueQuery struct {
	Types    []models.SanctionType
	Page     int
	PageSize int
}

// TokenDispatchResponse reports the result of following an approval link.
type TokenDispatchResponse struct {
	SanctionID      string                             `json:"sanctionId"`
	Action          models.TokenAction                 `json:"action"`
	Status          models.TokenStatus                 `json:"status"`
	State           models.SanctionState               `json:"state"`
	ModerationState models.RegistrationModerationState `json:"moderationState"`
	Message         string                             `json:"message"`
}

// ReconcileQuery toggles dry-run mode for the sweep endpoint.
type ReconcileQuery struct {
	DryRun bool `form:"dry_run"`
}
