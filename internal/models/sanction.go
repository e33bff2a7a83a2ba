package models

import (
	"sort"
	"strings"
	"time"
)

// SanctionType enumerates the approval processes attached to a registration.
type SanctionType string

const (
	SanctionTypeRegistrationApproval       SanctionType = "registration_approval"
	SanctionTypeEmbargo                    SanctionType = "embargo"
	SanctionTypeRetraction                 SanctionType = "retraction"
	SanctionTypeEmbargoTerminationApproval SanctionType = "embargo_termination_approval"
)

// SanctionTypes lists every supported sanction family in a stable order.
var SanctionTypes = []SanctionType{
	SanctionTypeRegistrationApproval,
	SanctionTypeEmbargo,
	SanctionTypeRetraction,
	SanctionTypeEmbargoTerminationApproval,
}

// Valid reports whether t is a known sanction type.
func (t SanctionType) Valid() bool {
	for _, known := range SanctionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// DisplayName is used in user facing messages.
func (t SanctionType) DisplayName() string {
	switch t {
	case SanctionTypeRegistrationApproval:
		return "registration"
	case SanctionTypeEmbargo:
		return "embargo"
	case SanctionTypeRetraction:
		return "withdrawal"
	case SanctionTypeEmbargoTerminationApproval:
		return "embargo termination"
	default:
		return strings.ReplaceAll(string(t), "_", " ")
	}
}

// SanctionState captures the lifecycle stage of a sanction.
type SanctionState string

const (
	SanctionStateInProgress        SanctionState = "in_progress"
	SanctionStateUnapproved        SanctionState = "unapproved"
	SanctionStatePendingModeration SanctionState = "pending_moderation"
	SanctionStateApproved          SanctionState = "approved"
	SanctionStateRejected          SanctionState = "rejected"
	SanctionStateModeratorRejected SanctionState = "moderator_rejected"
	SanctionStateCompleted         SanctionState = "completed"
)

// SanctionStates is the full state set shared by every sanction family.
var SanctionStates = []SanctionState{
	SanctionStateInProgress,
	SanctionStateUnapproved,
	SanctionStatePendingModeration,
	SanctionStateApproved,
	SanctionStateRejected,
	SanctionStateModeratorRejected,
	SanctionStateCompleted,
}

// AllowedStates returns the subset of states a sanction of type t may occupy.
// Only embargoes reach completed, when the embargo period ends.
func (t SanctionType) AllowedStates() []SanctionState {
	allowed := []SanctionState{
		SanctionStateInProgress,
		SanctionStateUnapproved,
		SanctionStatePendingModeration,
		SanctionStateApproved,
		SanctionStateRejected,
		SanctionStateModeratorRejected,
	}
	if t == SanctionTypeEmbargo {
		allowed = append(allowed, SanctionStateCompleted)
	}
	return allowed
}

// AllowsState reports whether state belongs to t's declared state set.
func (t SanctionType) AllowsState(state SanctionState) bool {
	for _, s := range t.AllowedStates() {
		if s == state {
			return true
		}
	}
	return false
}

// SanctionTrigger names an event fired against a sanction.
type SanctionTrigger string

const (
	SanctionTriggerSubmit      SanctionTrigger = "submit"
	SanctionTriggerApprove     SanctionTrigger = "approve"
	SanctionTriggerAccept      SanctionTrigger = "accept"
	SanctionTriggerReject      SanctionTrigger = "reject"
	SanctionTriggerResubmit    SanctionTrigger = "resubmit"
	SanctionTriggerForceReject SanctionTrigger = "force_reject"
	SanctionTriggerComplete    SanctionTrigger = "complete"
)

// ApprovalEntry is one required approver's consent slot.
type ApprovalEntry struct {
	ApproverID     string     `db:"approver_id" json:"approverId"`
	ApprovalToken  string     `db:"approval_token" json:"-"`
	RejectionToken string     `db:"rejection_token" json:"-"`
	HasApproved    bool       `db:"has_approved" json:"hasApproved"`
	ApprovedAt     *time.Time `db:"approved_at" json:"approvedAt,omitempty"`
}

// ApprovalState maps approver id to its entry.
type ApprovalState map[string]*ApprovalEntry

// AllApproved reports whether every required approver has consented.
func (a ApprovalState) AllApproved() bool {
	if len(a) == 0 {
		return false
	}
	for _, entry := range a {
		if !entry.HasApproved {
			return false
		}
	}
	return true
}

// Pending returns approvers that have not yet consented.
func (a ApprovalState) Pending() []string {
	pending := make([]string, 0, len(a))
	for id, entry := range a {
		if !entry.HasApproved {
			pending = append(pending, id)
		}
	}
	return pending
}

// Sanction is a moderated approval process attached to a registration.
type Sanction struct {
	ID               string        `db:"id" json:"id"`
	Type             SanctionType  `db:"type" json:"type"`
	State            SanctionState `db:"state" json:"state"`
	RegistrationID   string        `db:"registration_id" json:"registrationId"`
	ParentID         *string       `db:"parent_id" json:"parentId,omitempty"`
	InitiatedBy      string        `db:"initiated_by" json:"initiatedBy"`
	Justification    string        `db:"justification" json:"justification,omitempty"`
	Revisable        bool          `db:"revisable" json:"revisable"`
	InitiationDate   time.Time     `db:"initiation_date" json:"initiationDate"`
	EndDate          *time.Time    `db:"end_date" json:"endDate,omitempty"`
	DateModified     time.Time     `db:"date_modified" json:"dateModified"`
	LastTransitioned *time.Time    `db:"last_transitioned" json:"lastTransitioned,omitempty"`
	ApprovalState    ApprovalState `db:"-" json:"approvalState"`
}

// Entry returns the approval entry for approverID, if any.
func (s *Sanction) Entry(approverID string) (*ApprovalEntry, bool) {
	if s == nil || s.ApprovalState == nil {
		return nil, false
	}
	entry, ok := s.ApprovalState[approverID]
	return entry, ok
}

// Approvers returns the approver ids with an entry on the sanction, sorted.
func (s *Sanction) Approvers() []string {
	ids := make([]string, 0, len(s.ApprovalState))
	for id := range s.ApprovalState {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone returns a deep copy so in-memory rollbacks never alias stored entries.
func (s *Sanction) Clone() *Sanction {
	if s == nil {
		return nil
	}
	out := *s
	if s.ApprovalState != nil {
		out.ApprovalState = make(ApprovalState, len(s.ApprovalState))
		for id, entry := range s.ApprovalState {
			copied := *entry
			out.ApprovalState[id] = &copied
		}
	}
	return &out
}

// SanctionAction records one applied transition.
type SanctionAction struct {
	ID                string                        `db:"id" json:"id"`
	SanctionID        string                        `db:"sanction_id" json:"sanctionId"`
	Trigger           SanctionTrigger               `db:"trigger" json:"trigger"`
	FromState         SanctionState                 `db:"from_state" json:"fromState"`
	ToState           SanctionState                 `db:"to_state" json:"toState"`
	ModerationTrigger RegistrationModerationTrigger `db:"moderation_trigger" json:"moderationTrigger,omitempty"`
	ActorID           string                        `db:"actor_id" json:"actorId"`
	Comment           string                        `db:"comment" json:"comment,omitempty"`
	CreatedAt         time.Time                     `db:"created_at" json:"createdAt"`
}

// SanctionFilter constrains listing queries.
type SanctionFilter struct {
	Types           []SanctionType
	States          []SanctionState
	RegistrationID  string
	InitiatedBefore *time.Time
	EndedBefore     *time.Time
	Limit           int
	Offset          int
}
