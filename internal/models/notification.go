package models

import "time"

// NotificationEvent names a message sent to people involved in a workflow.
type NotificationEvent string

const (
	NotificationSanctionSubmitted           NotificationEvent = "sanction_submitted"
	NotificationSanctionPendingModeration   NotificationEvent = "sanction_pending_moderation"
	NotificationSanctionCompleted           NotificationEvent = "sanction_completed"
	NotificationSanctionRejected            NotificationEvent = "sanction_rejected"
	NotificationSubmissionAccepted          NotificationEvent = "collection_submission_accepted"
	NotificationSubmissionPending           NotificationEvent = "collection_submission_pending"
	NotificationSubmissionModeratorsPending NotificationEvent = "collection_submission_moderators_pending"
	NotificationSubmissionRejected          NotificationEvent = "collection_submission_rejected"
	NotificationSubmissionRemoved           NotificationEvent = "collection_submission_removed"
	NotificationSubmissionCancelled         NotificationEvent = "collection_submission_cancelled"
)

// Notification is a fire-and-forget message for the delivery layer.
type Notification struct {
	Event      NotificationEvent `json:"event"`
	SubjectID  string            `json:"subjectId"`
	Recipients []string          `json:"recipients"`
	Context    map[string]string `json:"context,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
}
