package dto

// CreateCollectionSubmissionRequest adds an item to a collection in progress.
type CreateCollectionSubmissionRequest struct {
	CollectionID string   `json:"collectionId" validate:"required"`
	ItemID       string   `json:"itemId" validate:"required"`
	ItemAdminIDs []string `json:"itemAdminIds" validate:"omitempty,dive,required"`
	Submit       bool     `json:"submit"`
}

// CollectionSubmissionTriggerRequest carries an optional comment for the action log.
type CollectionSubmissionTriggerRequest struct {
	Comment string `json:"comment" validate:"max=2048"`
}
