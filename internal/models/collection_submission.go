package models

import "time"

// CollectionSubmissionState captures an item's membership in a curated collection.
type CollectionSubmissionState string

const (
	CollectionSubmissionStateInProgress CollectionSubmissionState = "in_progress"
	CollectionSubmissionStatePending    CollectionSubmissionState = "pending"
	CollectionSubmissionStateRejected   CollectionSubmissionState = "rejected"
	CollectionSubmissionStateAccepted   CollectionSubmissionState = "accepted"
	CollectionSubmissionStateRemoved    CollectionSubmissionState = "removed"
)

// CollectionSubmissionStates lists every submission state.
var CollectionSubmissionStates = []CollectionSubmissionState{
	CollectionSubmissionStateInProgress,
	CollectionSubmissionStatePending,
	CollectionSubmissionStateRejected,
	CollectionSubmissionStateAccepted,
	CollectionSubmissionStateRemoved,
}

// CollectionSubmissionTrigger names an event fired against a submission.
type CollectionSubmissionTrigger string

const (
	CollectionSubmissionTriggerSubmit   CollectionSubmissionTrigger = "submit"
	CollectionSubmissionTriggerAccept   CollectionSubmissionTrigger = "accept"
	CollectionSubmissionTriggerReject   CollectionSubmissionTrigger = "reject"
	CollectionSubmissionTriggerRemove   CollectionSubmissionTrigger = "remove"
	CollectionSubmissionTriggerResubmit CollectionSubmissionTrigger = "resubmit"
	CollectionSubmissionTriggerCancel   CollectionSubmissionTrigger = "cancel"
)

// ParseCollectionSubmissionTrigger validates a trigger name from the outside.
func ParseCollectionSubmissionTrigger(raw string) (CollectionSubmissionTrigger, bool) {
	switch t := CollectionSubmissionTrigger(raw); t {
	case CollectionSubmissionTriggerSubmit, CollectionSubmissionTriggerAccept, CollectionSubmissionTriggerReject,
		CollectionSubmissionTriggerRemove, CollectionSubmissionTriggerResubmit, CollectionSubmissionTriggerCancel:
		return t, true
	}
	return "", false
}

// ModerationType is a collection's moderation policy.
type ModerationType string

const (
	ModerationTypeNone   ModerationType = "none"
	ModerationTypePre    ModerationType = "pre"
	ModerationTypeHybrid ModerationType = "hybrid"
)

// Collection is a curated set of items.
type Collection struct {
	ID             string         `db:"id" json:"id"`
	Title          string         `db:"title" json:"title"`
	ModerationType ModerationType `db:"moderation_type" json:"moderationType"`
	ModeratorIDs   []string       `db:"-" json:"moderatorIds"`
}

// IsModerated reports pre-moderation.
func (c *Collection) IsModerated() bool {
	return c != nil && c.ModerationType == ModerationTypePre
}

// IsHybridModerated reports hybrid moderation.
func (c *Collection) IsHybridModerated() bool {
	return c != nil && c.ModerationType == ModerationTypeHybrid
}

// IsModerator reports whether userID moderates the collection.
func (c *Collection) IsModerator(userID string) bool {
	if c == nil || userID == "" {
		return false
	}
	for _, id := range c.ModeratorIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// CollectionSubmission is an item's membership record in a collection.
type CollectionSubmission struct {
	ID               string                    `db:"id" json:"id"`
	CollectionID     string                    `db:"collection_id" json:"collectionId"`
	ItemID           string                    `db:"item_id" json:"itemId"`
	State            CollectionSubmissionState `db:"state" json:"state"`
	CreatorID        string                    `db:"creator_id" json:"creatorId"`
	ItemAdminIDs     []string                  `db:"-" json:"itemAdminIds"`
	ItemPublic       bool                      `db:"item_public" json:"itemPublic"`
	Searchable       bool                      `db:"searchable" json:"searchable"`
	DateCreated      time.Time                 `db:"date_created" json:"dateCreated"`
	DateModified     time.Time                 `db:"date_modified" json:"dateModified"`
	LastTransitioned *time.Time                `db:"last_transitioned" json:"lastTransitioned,omitempty"`
	// Replayed marks a trigger that was absorbed without changing anything.
	Replayed bool `db:"-" json:"replayed,omitempty"`
}

// IsItemAdmin reports whether userID administers the submitted item.
func (s *CollectionSubmission) IsItemAdmin(userID string) bool {
	if s == nil || userID == "" {
		return false
	}
	for _, id := range s.ItemAdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// CollectionSubmissionAction records one applied submission transition.
type CollectionSubmissionAction struct {
	ID           string                      `db:"id" json:"id"`
	SubmissionID string                      `db:"submission_id" json:"submissionId"`
	Trigger      CollectionSubmissionTrigger `db:"trigger" json:"trigger"`
	FromState    CollectionSubmissionState   `db:"from_state" json:"fromState"`
	ToState      CollectionSubmissionState   `db:"to_state" json:"toState"`
	ActorID      string                      `db:"actor_id" json:"actorId"`
	Comment      string                      `db:"comment" json:"comment,omitempty"`
	CreatedAt    time.Time                   `db:"created_at" json:"createdAt"`
}
