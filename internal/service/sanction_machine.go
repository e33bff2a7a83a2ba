package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/sanction-engine/internal/models"
	"github.com/noah-isme/sanction-engine/internal/repository"
	"github.com/noah-isme/sanction-engine/internal/workflow"
	appErrors "github.com/noah-isme/sanction-engine/pkg/errors"
)

type (
	sanctionRow   = workflow.Transition[models.SanctionState, models.SanctionTrigger, *sanctionRun]
	sanctionGuard = workflow.Guard[*sanctionRun]
	sanctionHook  = workflow.Hook[*sanctionRun]
	sanctionTable = workflow.Table[models.SanctionState, models.SanctionTrigger, *sanctionRun]
)

// SanctionWorkflowName labels the sanction table in logs and metrics.
const SanctionWorkflowName = "sanction"

var (
	guardIsModerated = sanctionGuard{Name: "is_moderated", Check: func(r *sanctionRun) bool {
		return r.isModerated
	}}
	guardRevisable = sanctionGuard{Name: "revisable", Check: func(r *sanctionRun) bool {
		return r.sanction.Revisable
	}}
	guardIsModeratorAction = sanctionGuard{Name: "is_moderator_action", Check: func(r *sanctionRun) bool {
		return r.actor.IsModerator
	}}
	guardIsEmbargo = sanctionGuard{Name: "is_embargo", Check: func(r *sanctionRun) bool {
		return r.sanction.Type == models.SanctionTypeEmbargo
	}}
)

func hook(name string, run func(*sanctionRun, context.Context) error) sanctionHook {
	return sanctionHook{Name: name, Run: func(ctx context.Context, r *sanctionRun) error { return run(r, ctx) }}
}

func hooks(h ...sanctionHook) []sanctionHook { return h }

func states(s ...models.SanctionState) []models.SanctionState { return s }

// sanctionTransitions is evaluated top to bottom; the first row whose sources,
// conditions and unless-guards all match wins. It is built in init because its
// hooks fire nested triggers against the table itself.
var sanctionTransitions *sanctionTable

func init() {
	var (
		hookValidateChanges        = hook("validate_changes", (*sanctionRun).validateChanges)
		hookValidateTrigger        = hook("validate_trigger", (*sanctionRun).validateTrigger)
		hookValidateResubmit       = hook("validate_resubmit", (*sanctionRun).validateResubmit)
		hookSaveAction             = hook("save_action", (*sanctionRun).saveAction)
		hookUpdateLastTransitioned = hook("update_last_transitioned", (*sanctionRun).updateLastTransitioned)
		hookRecordConsent          = hook("record_consent", (*sanctionRun).recordConsent)
		hookOnComplete             = hook("on_complete", (*sanctionRun).onComplete)
		hookOnReject               = hook("on_reject", (*sanctionRun).onReject)
		hookOnTerminate            = hook("on_terminate", (*sanctionRun).onTerminate)
		hookPersist                = hook("persist", (*sanctionRun).persist)
		hookNotifySubmit           = hook("notify_submit", (*sanctionRun).notifySubmit)
		hookNotifyModerators       = hook("notify_moderators", (*sanctionRun).notifyModerators)
		hookNotifyComplete         = hook("notify_complete", (*sanctionRun).notifyComplete)
		hookNotifyReject           = hook("notify_reject", (*sanctionRun).notifyReject)
	)

	sanctionTransitions = workflow.MustTable(SanctionWorkflowName, models.SanctionStates,
		sanctionRow{
			Trigger: models.SanctionTriggerSubmit,
			Sources: states(models.SanctionStateInProgress),
			Dest:    models.SanctionStateUnapproved,
			Before:  hooks(hookValidateChanges),
			After:   hooks(hookSaveAction, hookUpdateLastTransitioned, hookPersist, hookNotifySubmit),
		},
		sanctionRow{
			Trigger:   models.SanctionTriggerApprove,
			Sources:   states(models.SanctionStateUnapproved),
			Unchanged: true,
			Before:    hooks(hookValidateTrigger),
			After:     hooks(hookRecordConsent),
		},
		sanctionRow{
			Trigger: models.SanctionTriggerApprove,
			Sources: states(models.SanctionStatePendingModeration, models.SanctionStateApproved, models.SanctionStateCompleted),
			Replay:  true,
		},
		sanctionRow{
			Trigger:    models.SanctionTriggerAccept,
			Sources:    states(models.SanctionStateUnapproved),
			Dest:       models.SanctionStatePendingModeration,
			Conditions: []sanctionGuard{guardIsModerated},
			Before:     hooks(hookValidateTrigger),
			After:      hooks(hookSaveAction, hookUpdateLastTransitioned, hookPersist, hookNotifyModerators),
		},
		sanctionRow{
			Trigger: models.SanctionTriggerAccept,
			Sources: states(models.SanctionStateUnapproved, models.SanctionStatePendingModeration),
			Dest:    models.SanctionStateApproved,
			Before:  hooks(hookValidateTrigger),
			After:   hooks(hookSaveAction, hookUpdateLastTransitioned, hookOnComplete, hookPersist, hookNotifyComplete),
		},
		sanctionRow{
			Trigger: models.SanctionTriggerAccept,
			Sources: states(models.SanctionStateApproved, models.SanctionStateCompleted),
			Replay:  true,
		},
		sanctionRow{
			Trigger:    models.SanctionTriggerReject,
			Sources:    states(models.SanctionStateUnapproved, models.SanctionStatePendingModeration),
			Dest:       models.SanctionStateInProgress,
			Conditions: []sanctionGuard{guardRevisable},
			Before:     hooks(hookValidateTrigger),
			After:      hooks(hookSaveAction, hookUpdateLastTransitioned, hookOnReject, hookPersist, hookNotifyReject),
		},
		sanctionRow{
			Trigger:    models.SanctionTriggerReject,
			Sources:    states(models.SanctionStatePendingModeration),
			Dest:       models.SanctionStateModeratorRejected,
			Conditions: []sanctionGuard{guardIsModeratorAction},
			Before:     hooks(hookValidateTrigger),
			After:      hooks(hookSaveAction, hookUpdateLastTransitioned, hookOnReject, hookPersist, hookNotifyReject),
		},
		sanctionRow{
			Trigger: models.SanctionTriggerReject,
			Sources: states(models.SanctionStateUnapproved, models.SanctionStatePendingModeration),
			Dest:    models.SanctionStateRejected,
			Before:  hooks(hookValidateTrigger),
			After:   hooks(hookSaveAction, hookUpdateLastTransitioned, hookOnReject, hookPersist, hookNotifyReject),
		},
		sanctionRow{
			Trigger: models.SanctionTriggerReject,
			Sources: states(models.SanctionStateRejected, models.SanctionStateModeratorRejected),
			Replay:  true,
		},
		sanctionRow{
			Trigger: models.SanctionTriggerResubmit,
			Sources: states(models.SanctionStateRejected),
			Dest:    models.SanctionStateInProgress,
			Before:  hooks(hookValidateResubmit),
			After:   hooks(hookSaveAction, hookUpdateLastTransitioned, hookPersist),
		},
		sanctionRow{
			Trigger: models.SanctionTriggerForceReject,
			Sources: states(models.SanctionStateInProgress, models.SanctionStateUnapproved, models.SanctionStatePendingModeration, models.SanctionStateApproved),
			Dest:    models.SanctionStateRejected,
			After:   hooks(hookSaveAction, hookUpdateLastTransitioned, hookPersist),
		},
		sanctionRow{
			Trigger: models.SanctionTriggerForceReject,
			Sources: states(models.SanctionStateRejected, models.SanctionStateModeratorRejected),
			Replay:  true,
		},
		sanctionRow{
			Trigger:    models.SanctionTriggerComplete,
			Sources:    states(models.SanctionStateApproved),
			Dest:       models.SanctionStateCompleted,
			Conditions: []sanctionGuard{guardIsEmbargo},
			After:      hooks(hookSaveAction, hookUpdateLastTransitioned, hookOnTerminate, hookPersist, hookNotifyComplete),
		},
		sanctionRow{
			Trigger: models.SanctionTriggerComplete,
			Sources: states(models.SanctionStateCompleted),
			Replay:  true,
		},
	)
}

// sanctionRun is the firing context for one sanction. Cascaded runs (a
// retraction rejecting an embargo, a termination completing its embargo) stage
// their writes and notifications into the root run so everything commits in
// one transaction.
type sanctionRun struct {
	svc          *SanctionService
	sanction     *models.Sanction
	registration *models.Registration
	actor        models.Actor
	comment      string
	isModerated  bool
	reason       string

	trigger   models.SanctionTrigger
	from      models.SanctionState
	action    *models.SanctionAction
	approvals []models.ApprovalEntry
	status    models.TokenStatus

	root          *sanctionRun
	batch         repository.TransitionBatch
	notifications []models.Notification
	applied       []appliedTransition
}

type appliedTransition struct {
	trigger models.SanctionTrigger
	from    models.SanctionState
	to      models.SanctionState
}

func (s *SanctionService) newRun(sanction *models.Sanction, registration *models.Registration, actor models.Actor) *sanctionRun {
	return &sanctionRun{
		svc:          s,
		sanction:     sanction,
		registration: registration,
		actor:        actor,
		// Embargo termination approvals never pass through moderation.
		isModerated: registration != nil && registration.IsModerated &&
			sanction.Type != models.SanctionTypeEmbargoTerminationApproval,
		status: models.TokenStatusApplied,
	}
}

func (r *sanctionRun) child(sanction *models.Sanction) *sanctionRun {
	run := r.svc.newRun(sanction, r.registration, models.SystemActor())
	run.root = r.rootRun()
	return run
}

func (r *sanctionRun) rootRun() *sanctionRun {
	if r.root != nil {
		return r.root
	}
	return r
}

func (r *sanctionRun) CurrentState() models.SanctionState { return r.sanction.State }

func (r *sanctionRun) SetState(state models.SanctionState) { r.sanction.State = state }

func (r *sanctionRun) fire(ctx context.Context, trigger models.SanctionTrigger) (workflow.Result[models.SanctionState, models.SanctionTrigger], error) {
	prevTrigger, prevFrom, prevAction := r.trigger, r.from, r.action
	r.trigger, r.from, r.action = trigger, r.sanction.State, nil
	defer func() { r.trigger, r.from, r.action = prevTrigger, prevFrom, prevAction }()

	result, err := sanctionTransitions.Fire(ctx, trigger, r)
	if err != nil {
		return result, err
	}
	if result.Replay {
		r.svc.metrics.ObserveReplay(SanctionWorkflowName, string(trigger), string(result.From))
		r.svc.logger.Debug("replayed sanction trigger",
			zap.String("sanction_id", r.sanction.ID),
			zap.String("trigger", string(trigger)),
			zap.String("state", string(result.From)),
		)
	}
	return result, nil
}

func (r *sanctionRun) now() time.Time {
	return r.svc.now().UTC()
}

func (r *sanctionRun) validateChanges(_ context.Context) error {
	s := r.sanction
	if !s.Type.Valid() {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown sanction type %q", s.Type))
	}
	if len(s.ApprovalState) == 0 {
		return appErrors.Clone(appErrors.ErrValidation, "sanction requires at least one approver")
	}
	if s.Type == models.SanctionTypeEmbargo {
		if s.EndDate == nil {
			return appErrors.Clone(appErrors.ErrValidation, "embargo requires an end date")
		}
		if !s.EndDate.After(r.now()) {
			return appErrors.Clone(appErrors.ErrValidation, "embargo end date must be in the future")
		}
	}
	if s.Type == models.SanctionTypeEmbargoTerminationApproval && (s.ParentID == nil || *s.ParentID == "") {
		return appErrors.Clone(appErrors.ErrValidation, "embargo termination requires the embargo it ends")
	}
	return nil
}

func (r *sanctionRun) validateTrigger(_ context.Context) error {
	actor := r.actor
	if actor.IsSystem {
		return nil
	}
	_, isApprover := r.sanction.Entry(actor.ID)
	switch r.trigger {
	case models.SanctionTriggerApprove:
		if !isApprover {
			return appErrors.Clone(appErrors.ErrForbidden, "only a required approver can approve this "+r.sanction.Type.DisplayName())
		}
	case models.SanctionTriggerAccept:
		if r.sanction.State == models.SanctionStatePendingModeration && !actor.IsModerator {
			return appErrors.Clone(appErrors.ErrForbidden, "only a moderator can accept a pending "+r.sanction.Type.DisplayName())
		}
		if r.sanction.State == models.SanctionStateUnapproved && !r.sanction.ApprovalState.AllApproved() {
			return appErrors.Clone(appErrors.ErrForbidden, "approvals are still outstanding")
		}
	case models.SanctionTriggerReject:
		if !isApprover && !actor.IsModerator {
			return appErrors.Clone(appErrors.ErrForbidden, "only an approver or moderator can reject this "+r.sanction.Type.DisplayName())
		}
		if actor.IsModerator && !isApprover && r.sanction.State != models.SanctionStatePendingModeration {
			return appErrors.Clone(appErrors.ErrForbidden, "moderators may only reject sanctions pending moderation")
		}
	}
	return nil
}

func (r *sanctionRun) validateResubmit(_ context.Context) error {
	if !r.actor.IsSystem && r.actor.ID != r.sanction.InitiatedBy {
		return appErrors.Clone(appErrors.ErrForbidden, "only the initiator can resubmit this "+r.sanction.Type.DisplayName())
	}
	return r.reissueApprovals()
}

// reissueApprovals clears consent and mints fresh tokens so links from the
// previous round can never count toward the next one.
func (r *sanctionRun) reissueApprovals() error {
	fresh, err := r.svc.issueEntries(r.sanction.ID, r.sanction.Type, r.sanction.Approvers())
	if err != nil {
		return err
	}
	r.sanction.ApprovalState = make(models.ApprovalState, len(fresh))
	r.approvals = make([]models.ApprovalEntry, 0, len(fresh))
	for i := range fresh {
		entry := fresh[i]
		r.sanction.ApprovalState[entry.ApproverID] = &entry
		r.approvals = append(r.approvals, entry)
	}
	return nil
}

func (r *sanctionRun) saveAction(_ context.Context) error {
	to := r.sanction.State
	comment := r.comment
	if comment == "" {
		comment = r.reason
	}
	r.action = &models.SanctionAction{
		ID:         uuid.NewString(),
		SanctionID: r.sanction.ID,
		Trigger:    r.trigger,
		FromState:  r.from,
		ToState:    to,
		ModerationTrigger: models.ModerationTriggerFor(
			models.ModerationStateFor(r.sanction.Type, r.from),
			models.ModerationStateFor(r.sanction.Type, to),
		),
		ActorID:   r.actor.ID,
		Comment:   comment,
		CreatedAt: r.now(),
	}
	return nil
}

func (r *sanctionRun) updateLastTransitioned(_ context.Context) error {
	now := r.now()
	r.sanction.LastTransitioned = &now
	r.sanction.DateModified = now
	return nil
}

// recordConsent counts the approver exactly once and advances the sanction when
// the last required consent arrives.
func (r *sanctionRun) recordConsent(ctx context.Context) error {
	entry, ok := r.sanction.Entry(r.actor.ID)
	if !ok {
		return appErrors.Clone(appErrors.ErrForbidden, "approver holds no approval entry")
	}
	now := r.now()
	recorded, err := r.svc.sanctions.RecordApproval(ctx, r.sanction.ID, r.actor.ID, now)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record approval")
	}
	if !recorded {
		r.status = models.TokenStatusAlreadyApproved
	} else {
		r.svc.logger.Info("approval recorded",
			zap.String("sanction_id", r.sanction.ID),
			zap.String("approver_id", r.actor.ID),
		)
	}
	entry.HasApproved = true
	if entry.ApprovedAt == nil {
		entry.ApprovedAt = &now
	}
	if !r.sanction.ApprovalState.AllApproved() {
		return nil
	}
	// The last consent moves the sanction on. A duplicate click that arrives
	// after a failed advance retries it here.
	result, err := r.fire(ctx, models.SanctionTriggerAccept)
	if err == nil && result.Changed {
		r.status = models.TokenStatusApplied
	}
	return err
}

func (r *sanctionRun) onComplete(ctx context.Context) error {
	switch r.sanction.Type {
	case models.SanctionTypeRegistrationApproval:
		r.stageVisibility(boolPtr(true), nil)
	case models.SanctionTypeEmbargo:
		// Approved embargoes keep the registration private until completion.
		r.stageVisibility(boolPtr(false), nil)
	case models.SanctionTypeRetraction:
		r.stageVisibility(nil, boolPtr(true))
		return r.cascadeRetraction(ctx)
	case models.SanctionTypeEmbargoTerminationApproval:
		r.stageVisibility(boolPtr(true), nil)
		return r.completeParentEmbargo(ctx)
	}
	return nil
}

func (r *sanctionRun) onTerminate(_ context.Context) error {
	r.stageVisibility(boolPtr(true), nil)
	return nil
}

// onReject reopens revisable sanctions with fresh approval entries.
func (r *sanctionRun) onReject(_ context.Context) error {
	if r.sanction.State == models.SanctionStateInProgress {
		return r.reissueApprovals()
	}
	return nil
}

// cascadeRetraction force-rejects an embargo or pending termination still
// active on the withdrawn registration.
func (r *sanctionRun) cascadeRetraction(ctx context.Context) error {
	active, err := r.svc.sanctions.List(ctx, models.SanctionFilter{
		RegistrationID: r.sanction.RegistrationID,
		Types:          []models.SanctionType{models.SanctionTypeEmbargo, models.SanctionTypeEmbargoTerminationApproval},
		States: []models.SanctionState{
			models.SanctionStateInProgress,
			models.SanctionStateUnapproved,
			models.SanctionStatePendingModeration,
			models.SanctionStateApproved,
		},
	})
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load sanctions to cascade")
	}
	for i := range active {
		target := active[i]
		if target.ID == r.sanction.ID {
			continue
		}
		if target.Type == models.SanctionTypeEmbargoTerminationApproval && target.State == models.SanctionStateApproved {
			continue
		}
		child := r.child(&target)
		child.reason = "registration withdrawn"
		if _, err := child.fire(ctx, models.SanctionTriggerForceReject); err != nil {
			return fmt.Errorf("cascade %s %s: %w", target.Type, target.ID, err)
		}
	}
	return nil
}

func (r *sanctionRun) completeParentEmbargo(ctx context.Context) error {
	if r.sanction.ParentID == nil {
		return appErrors.Clone(appErrors.ErrPreconditionFailed, "embargo termination has no embargo to end")
	}
	parent, err := r.svc.sanctions.GetByID(ctx, *r.sanction.ParentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrPreconditionFailed, "embargo to end no longer exists")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load embargo")
	}
	_, err = r.child(parent).fire(ctx, models.SanctionTriggerComplete)
	return err
}

func (r *sanctionRun) stageVisibility(public, withdrawn *bool) {
	root := r.rootRun()
	root.batch.Registrations = append(root.batch.Registrations, repository.RegistrationChange{
		RegistrationID: r.sanction.RegistrationID,
		Visibility:     models.RegistrationVisibility{IsPublic: public, IsWithdrawn: withdrawn},
		At:             r.now(),
	})
}

// persist writes the state change with a compare-and-set on the source state.
// Cascaded runs only stage their change; the root run commits the batch.
func (r *sanctionRun) persist(ctx context.Context) error {
	root := r.rootRun()
	change := repository.SanctionChange{
		SanctionID: r.sanction.ID,
		From:       r.from,
		To:         r.sanction.State,
		Action:     r.action,
		Approvals:  r.approvals,
	}
	if r.sanction.LastTransitioned != nil {
		change.At = *r.sanction.LastTransitioned
	} else {
		change.At = r.now()
	}
	root.batch.Sanctions = append(root.batch.Sanctions, change)
	root.applied = append(root.applied, appliedTransition{trigger: r.trigger, from: r.from, to: r.sanction.State})
	if r.root != nil {
		return nil
	}

	batch := root.batch
	root.batch = repository.TransitionBatch{}
	r.approvals = nil
	if err := r.svc.sanctions.ApplyTransition(ctx, batch); err != nil {
		root.applied = root.applied[:len(root.applied)-len(batch.Sanctions)]
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("%s %s changed concurrently", r.sanction.Type.DisplayName(), r.sanction.ID))
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist sanction transition")
	}
	return nil
}

func (r *sanctionRun) notify(event models.NotificationEvent, recipients []string, data map[string]string) {
	if len(recipients) == 0 {
		return
	}
	if data == nil {
		data = make(map[string]string)
	}
	data["sanction_type"] = string(r.sanction.Type)
	data["registration_id"] = r.sanction.RegistrationID
	data["state"] = string(r.sanction.State)
	if r.reason != "" {
		data["reason"] = r.reason
	}
	root := r.rootRun()
	root.notifications = append(root.notifications, models.Notification{
		Event:      event,
		SubjectID:  r.sanction.ID,
		Recipients: recipients,
		Context:    data,
		OccurredAt: r.now(),
	})
}

func (r *sanctionRun) notifySubmit(_ context.Context) error {
	for _, approverID := range r.sanction.Approvers() {
		entry, _ := r.sanction.Entry(approverID)
		r.notify(models.NotificationSanctionSubmitted, []string{approverID}, map[string]string{
			"approval_link":  r.svc.tokenLink(entry.ApprovalToken),
			"rejection_link": r.svc.tokenLink(entry.RejectionToken),
		})
	}
	return nil
}

func (r *sanctionRun) notifyModerators(_ context.Context) error {
	provider := ""
	if r.registration != nil {
		provider = r.registration.ProviderID
	}
	r.notify(models.NotificationSanctionPendingModeration, []string{"moderators:" + provider}, nil)
	return nil
}

func (r *sanctionRun) notifyComplete(_ context.Context) error {
	r.notify(models.NotificationSanctionCompleted, r.stakeholders(), nil)
	return nil
}

func (r *sanctionRun) notifyReject(_ context.Context) error {
	r.notify(models.NotificationSanctionRejected, r.stakeholders(), map[string]string{"rejected_by": r.actor.ID})
	return nil
}

func (r *sanctionRun) stakeholders() []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, 4)
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	add(r.sanction.InitiatedBy)
	if r.registration != nil {
		for _, id := range r.registration.AdminIDs {
			add(id)
		}
	}
	return out
}

func boolPtr(v bool) *bool { return &v }
