package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/sanction-engine/internal/dto"
	"github.com/noah-isme/sanction-engine/internal/models"
	"github.com/noah-isme/sanction-engine/internal/repository"
	"github.com/noah-isme/sanction-engine/internal/workflow"
	appErrors "github.com/noah-isme/sanction-engine/pkg/errors"
)

// CollectionSubmissionWorkflowName labels the submission table in logs and metrics.
const CollectionSubmissionWorkflowName = "collection_submission"

type collectionSubmissionStore interface {
	Create(ctx context.Context, submission *models.CollectionSubmission) error
	GetByID(ctx context.Context, id string) (*models.CollectionSubmission, error)
	GetCollection(ctx context.Context, id string) (*models.Collection, error)
	ApplyTransition(ctx context.Context, change repository.SubmissionChange) error
}

type (
	submissionRow   = workflow.Transition[models.CollectionSubmissionState, models.CollectionSubmissionTrigger, *submissionRun]
	submissionGuard = workflow.Guard[*submissionRun]
	submissionHook  = workflow.Hook[*submissionRun]
	submissionTable = workflow.Table[models.CollectionSubmissionState, models.CollectionSubmissionTrigger, *submissionRun]
)

var (
	guardCollectionModerated = submissionGuard{Name: "is_moderated", Check: func(r *submissionRun) bool {
		return r.collection.IsModerated()
	}}
	guardCollectionHybrid = submissionGuard{Name: "is_hybrid_moderated", Check: func(r *submissionRun) bool {
		return r.collection.IsHybridModerated()
	}}
	guardModeratorContributor = submissionGuard{Name: "is_submitted_by_moderator_contributor", Check: func(r *submissionRun) bool {
		creator := r.submission.CreatorID
		return r.collection.IsModerator(creator) && r.submission.IsItemAdmin(creator)
	}}
)

func submissionHookOf(name string, run func(*submissionRun, context.Context) error) submissionHook {
	return submissionHook{Name: name, Run: func(ctx context.Context, r *submissionRun) error { return run(r, ctx) }}
}

var collectionSubmissionTransitions = buildSubmissionTable()

func buildSubmissionTable() *submissionTable {
	var (
		validateAccept   = submissionHookOf("validate_accept", (*submissionRun).validateModerator)
		validateReject   = submissionHookOf("validate_reject", (*submissionRun).validateModerator)
		validateRemove   = submissionHookOf("validate_remove", (*submissionRun).validateRemove)
		validateResubmit = submissionHookOf("validate_resubmit", (*submissionRun).validateContributor)
		validateCancel   = submissionHookOf("validate_cancel", (*submissionRun).validateContributor)
		record           = submissionHookOf("save_action", (*submissionRun).saveAction)
		makePublic       = submissionHookOf("make_public", (*submissionRun).makePublic)
		index            = submissionHookOf("add_to_search", (*submissionRun).addToSearch)
		removeFromSearch = submissionHookOf("remove_from_search", (*submissionRun).removeFromSearch)
		persist          = submissionHookOf("persist", (*submissionRun).persist)
		notifyAccepted   = submissionHookOf("notify_accepted", (*submissionRun).notifyAccepted)
		notifyPending    = submissionHookOf("notify_contributors_pending", (*submissionRun).notifyContributorsPending)
		notifyModerators = submissionHookOf("notify_moderators_pending", (*submissionRun).notifyModeratorsPending)
		notifyRejected   = submissionHookOf("notify_moderated_rejected", (*submissionRun).notifyRejected)
		notifyRemoved    = submissionHookOf("notify_removed", (*submissionRun).notifyRemoved)
		notifyCancel     = submissionHookOf("notify_cancel", (*submissionRun).notifyCancel)
	)
	after := func(h ...submissionHook) []submissionHook {
		out := []submissionHook{record}
		out = append(out, h...)
		return append(out, persist)
	}
	moderated := []submissionGuard{guardCollectionModerated}
	hybrid := []submissionGuard{guardCollectionHybrid}
	anyModeration := []submissionGuard{guardCollectionModerated, guardCollectionHybrid}
	hybridModeratorContributor := []submissionGuard{guardCollectionHybrid, guardModeratorContributor}
	moderatorContributor := []submissionGuard{guardModeratorContributor}

	inProgress := []models.CollectionSubmissionState{models.CollectionSubmissionStateInProgress}
	pending := []models.CollectionSubmissionState{models.CollectionSubmissionStatePending}
	accepted := []models.CollectionSubmissionState{models.CollectionSubmissionStateAccepted}
	closed := []models.CollectionSubmissionState{models.CollectionSubmissionStateRejected, models.CollectionSubmissionStateRemoved}
	offered := []models.CollectionSubmissionState{models.CollectionSubmissionStatePending, models.CollectionSubmissionStateAccepted}

	return workflow.MustTable(CollectionSubmissionWorkflowName, models.CollectionSubmissionStates,
		submissionRow{Trigger: models.CollectionSubmissionTriggerSubmit, Sources: inProgress, Dest: models.CollectionSubmissionStateAccepted,
			Unless: anyModeration, After: after(index, notifyAccepted)},
		submissionRow{Trigger: models.CollectionSubmissionTriggerSubmit, Sources: inProgress, Dest: models.CollectionSubmissionStatePending,
			Conditions: moderated, After: after(notifyPending, notifyModerators)},
		submissionRow{Trigger: models.CollectionSubmissionTriggerSubmit, Sources: inProgress, Dest: models.CollectionSubmissionStateAccepted,
			Conditions: hybridModeratorContributor, After: after(index, notifyAccepted)},
		submissionRow{Trigger: models.CollectionSubmissionTriggerSubmit, Sources: inProgress, Dest: models.CollectionSubmissionStatePending,
			Conditions: hybrid, Unless: moderatorContributor, After: after(notifyPending, notifyModerators)},

		submissionRow{Trigger: models.CollectionSubmissionTriggerAccept, Sources: pending, Dest: models.CollectionSubmissionStateAccepted,
			Conditions: moderated, Before: []submissionHook{validateAccept}, After: after(makePublic, index, notifyAccepted)},
		submissionRow{Trigger: models.CollectionSubmissionTriggerAccept, Sources: pending, Dest: models.CollectionSubmissionStateAccepted,
			Conditions: hybrid, Before: []submissionHook{validateAccept}, After: after(makePublic, index, notifyAccepted)},

		submissionRow{Trigger: models.CollectionSubmissionTriggerReject, Sources: pending, Dest: models.CollectionSubmissionStateRejected,
			Conditions: moderated, Before: []submissionHook{validateReject}, After: after(notifyRejected)},
		submissionRow{Trigger: models.CollectionSubmissionTriggerReject, Sources: pending, Dest: models.CollectionSubmissionStateRejected,
			Conditions: hybrid, Before: []submissionHook{validateReject}, After: after(notifyRejected)},

		submissionRow{Trigger: models.CollectionSubmissionTriggerRemove, Sources: accepted, Dest: models.CollectionSubmissionStateRemoved,
			Unless: anyModeration, Before: []submissionHook{validateRemove}, After: after(removeFromSearch, notifyRemoved)},
		submissionRow{Trigger: models.CollectionSubmissionTriggerRemove, Sources: accepted, Dest: models.CollectionSubmissionStateRemoved,
			Conditions: hybrid, Before: []submissionHook{validateRemove}, After: after(removeFromSearch, notifyRemoved)},
		submissionRow{Trigger: models.CollectionSubmissionTriggerRemove, Sources: accepted, Dest: models.CollectionSubmissionStateRemoved,
			Conditions: moderated, Before: []submissionHook{validateRemove}, After: after(removeFromSearch, notifyRemoved)},

		submissionRow{Trigger: models.CollectionSubmissionTriggerResubmit, Sources: closed, Dest: models.CollectionSubmissionStateAccepted,
			Unless: anyModeration, Before: []submissionHook{validateResubmit}, After: after(makePublic, index, notifyAccepted)},
		submissionRow{Trigger: models.CollectionSubmissionTriggerResubmit, Sources: closed, Dest: models.CollectionSubmissionStatePending,
			Conditions: moderated, Before: []submissionHook{validateResubmit}, After: after(makePublic, notifyPending, notifyModerators)},
		submissionRow{Trigger: models.CollectionSubmissionTriggerResubmit, Sources: closed, Dest: models.CollectionSubmissionStateAccepted,
			Conditions: hybridModeratorContributor, Before: []submissionHook{validateResubmit}, After: after(makePublic, index, notifyAccepted)},
		submissionRow{Trigger: models.CollectionSubmissionTriggerResubmit, Sources: closed, Dest: models.CollectionSubmissionStatePending,
			Conditions: hybrid, Unless: moderatorContributor, Before: []submissionHook{validateResubmit}, After: after(makePublic, notifyPending, notifyModerators)},

		submissionRow{Trigger: models.CollectionSubmissionTriggerCancel, Sources: pending, Dest: models.CollectionSubmissionStateInProgress,
			Before: []submissionHook{validateCancel}, After: after(notifyCancel)},

		// Duplicate or delayed triggers landing on their own outcome.
		submissionRow{Trigger: models.CollectionSubmissionTriggerSubmit, Sources: offered, Replay: true},
		submissionRow{Trigger: models.CollectionSubmissionTriggerResubmit, Sources: offered, Replay: true},
		submissionRow{Trigger: models.CollectionSubmissionTriggerAccept, Sources: accepted, Replay: true},
		submissionRow{Trigger: models.CollectionSubmissionTriggerReject, Sources: []models.CollectionSubmissionState{models.CollectionSubmissionStateRejected}, Replay: true},
		submissionRow{Trigger: models.CollectionSubmissionTriggerRemove, Sources: []models.CollectionSubmissionState{models.CollectionSubmissionStateRemoved}, Replay: true},
	)
}

// CollectionSubmissionService drives item submissions into curated collections.
type CollectionSubmissionService struct {
	store     collectionSubmissionStore
	locker    Locker
	notifier  notificationPublisher
	metrics   transitionMetrics
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
	lockTTL   time.Duration
	lockWait  time.Duration
}

// CollectionSubmissionOption configures the service.
type CollectionSubmissionOption func(*CollectionSubmissionService)

// WithSubmissionLocker overrides the default in-process lock table.
func WithSubmissionLocker(locker Locker) CollectionSubmissionOption {
	return func(s *CollectionSubmissionService) {
		if locker != nil {
			s.locker = locker
		}
	}
}

// WithSubmissionNotifier sets where notifications go after commit.
func WithSubmissionNotifier(notifier notificationPublisher) CollectionSubmissionOption {
	return func(s *CollectionSubmissionService) {
		if notifier != nil {
			s.notifier = notifier
		}
	}
}

// WithSubmissionMetrics records transition counters.
func WithSubmissionMetrics(metrics transitionMetrics) CollectionSubmissionOption {
	return func(s *CollectionSubmissionService) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

// WithSubmissionClock overrides time.Now.
func WithSubmissionClock(now func() time.Time) CollectionSubmissionOption {
	return func(s *CollectionSubmissionService) {
		if now != nil {
			s.now = now
		}
	}
}

// NewCollectionSubmissionService constructs the service with defaults.
func NewCollectionSubmissionService(store collectionSubmissionStore, logger *zap.Logger, opts ...CollectionSubmissionOption) *CollectionSubmissionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &CollectionSubmissionService{
		store:     store,
		locker:    NewMemoryLocker(),
		notifier:  noopPublisher{},
		metrics:   noopTransitionMetrics{},
		validator: validator.New(),
		logger:    logger,
		now:       time.Now,
		lockTTL:   30 * time.Second,
		lockWait:  2 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// Create records an in-progress submission by actor and optionally submits it.
func (s *CollectionSubmissionService) Create(ctx context.Context, req dto.CreateCollectionSubmissionRequest, actor models.Actor) (*models.CollectionSubmission, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid collection submission payload")
	}
	if _, err := s.collection(ctx, req.CollectionID); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	// The creator always administers what they submit.
	admins := []string{actor.ID}
	seen := map[string]struct{}{actor.ID: {}}
	for _, id := range req.ItemAdminIDs {
		if _, dup := seen[id]; dup || id == "" {
			continue
		}
		seen[id] = struct{}{}
		admins = append(admins, id)
	}
	submission := &models.CollectionSubmission{
		ID:           uuid.NewString(),
		CollectionID: req.CollectionID,
		ItemID:       req.ItemID,
		State:        models.CollectionSubmissionStateInProgress,
		CreatorID:    actor.ID,
		ItemAdminIDs: admins,
		DateCreated:  now,
		DateModified: now,
	}
	if err := s.store.Create(ctx, submission); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create collection submission")
	}
	if !req.Submit {
		return submission, nil
	}
	return s.Fire(ctx, submission.ID, models.CollectionSubmissionTriggerSubmit, actor, "")
}

// Get returns a submission by id.
func (s *CollectionSubmissionService) Get(ctx context.Context, id string) (*models.CollectionSubmission, error) {
	submission, err := s.store.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "collection submission not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load collection submission")
	}
	return submission, nil
}

// Submit sends an in-progress submission to the collection.
func (s *CollectionSubmissionService) Submit(ctx context.Context, id string, actor models.Actor) (*models.CollectionSubmission, error) {
	return s.Fire(ctx, id, models.CollectionSubmissionTriggerSubmit, actor, "")
}

// Accept is a collection moderator's acceptance.
func (s *CollectionSubmissionService) Accept(ctx context.Context, id string, actor models.Actor, comment string) (*models.CollectionSubmission, error) {
	return s.Fire(ctx, id, models.CollectionSubmissionTriggerAccept, actor, comment)
}

// Reject is a collection moderator's rejection.
func (s *CollectionSubmissionService) Reject(ctx context.Context, id string, actor models.Actor, comment string) (*models.CollectionSubmission, error) {
	return s.Fire(ctx, id, models.CollectionSubmissionTriggerReject, actor, comment)
}

// Remove takes an accepted item out of the collection.
func (s *CollectionSubmissionService) Remove(ctx context.Context, id string, actor models.Actor, comment string) (*models.CollectionSubmission, error) {
	return s.Fire(ctx, id, models.CollectionSubmissionTriggerRemove, actor, comment)
}

// Resubmit offers a rejected or removed item again.
func (s *CollectionSubmissionService) Resubmit(ctx context.Context, id string, actor models.Actor) (*models.CollectionSubmission, error) {
	return s.Fire(ctx, id, models.CollectionSubmissionTriggerResubmit, actor, "")
}

// Cancel withdraws a pending submission back to in progress.
func (s *CollectionSubmissionService) Cancel(ctx context.Context, id string, actor models.Actor) (*models.CollectionSubmission, error) {
	return s.Fire(ctx, id, models.CollectionSubmissionTriggerCancel, actor, "")
}

// Fire applies trigger to the submission under its lock.
func (s *CollectionSubmissionService) Fire(ctx context.Context, id string, trigger models.CollectionSubmissionTrigger, actor models.Actor, comment string) (*models.CollectionSubmission, error) {
	release, err := acquireWithin(ctx, s.locker, submissionLockKey(id), s.lockTTL, s.lockWait)
	if err != nil {
		if errors.Is(err, appErrors.ErrLocked) {
			return nil, appErrors.Clone(appErrors.ErrLocked, "collection submission is being updated, try again")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to lock collection submission")
	}
	defer release()

	submission, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	collection, err := s.collection(ctx, submission.CollectionID)
	if err != nil {
		return nil, err
	}

	run := &submissionRun{
		svc:        s,
		submission: submission,
		collection: collection,
		actor:      actor,
		comment:    strings.TrimSpace(comment),
		trigger:    trigger,
		from:       submission.State,
	}
	result, err := collectionSubmissionTransitions.Fire(ctx, trigger, run)
	if err != nil {
		var typed *appErrors.Error
		if errors.As(err, &typed) {
			return nil, err
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "collection submission transition failed")
	}
	if result.Replay {
		s.metrics.ObserveReplay(CollectionSubmissionWorkflowName, string(trigger), string(result.From))
		s.logger.Debug("replayed collection submission trigger",
			zap.String("submission_id", id),
			zap.String("trigger", string(trigger)),
			zap.String("state", string(result.From)),
		)
		submission.Replayed = true
		return submission, nil
	}

	s.metrics.ObserveTransition(CollectionSubmissionWorkflowName, string(trigger), string(result.From), string(result.To))
	for _, n := range run.notifications {
		s.notifier.Publish(ctx, n)
	}
	s.logger.Info("collection submission transitioned",
		zap.String("submission_id", id),
		zap.String("trigger", string(trigger)),
		zap.String("from", string(result.From)),
		zap.String("to", string(result.To)),
		zap.String("actor_id", actor.ID),
	)
	return submission, nil
}

func (s *CollectionSubmissionService) collection(ctx context.Context, id string) (*models.Collection, error) {
	collection, err := s.store.GetCollection(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "collection not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load collection")
	}
	return collection, nil
}

type submissionRun struct {
	svc        *CollectionSubmissionService
	submission *models.CollectionSubmission
	collection *models.Collection
	actor      models.Actor
	comment    string
	trigger    models.CollectionSubmissionTrigger
	from       models.CollectionSubmissionState

	action        *models.CollectionSubmissionAction
	change        repository.SubmissionChange
	notifications []models.Notification
}

func (r *submissionRun) CurrentState() models.CollectionSubmissionState { return r.submission.State }

func (r *submissionRun) SetState(state models.CollectionSubmissionState) {
	r.submission.State = state
}

func (r *submissionRun) isItemContributor() bool {
	return r.actor.ID == r.submission.CreatorID || r.submission.IsItemAdmin(r.actor.ID)
}

func (r *submissionRun) validateModerator(_ context.Context) error {
	if r.actor.IsSystem || r.collection.IsModerator(r.actor.ID) {
		return nil
	}
	return appErrors.Clone(appErrors.ErrForbidden, fmt.Sprintf("only a moderator of the collection can %s this submission", r.trigger))
}

func (r *submissionRun) validateRemove(_ context.Context) error {
	if r.actor.IsSystem || r.collection.IsModerator(r.actor.ID) || r.isItemContributor() {
		return nil
	}
	return appErrors.Clone(appErrors.ErrForbidden, "only a collection moderator or item admin can remove this submission")
}

func (r *submissionRun) validateContributor(_ context.Context) error {
	if r.actor.IsSystem || r.isItemContributor() {
		return nil
	}
	return appErrors.Clone(appErrors.ErrForbidden, fmt.Sprintf("only an admin of the item can %s this submission", r.trigger))
}

func (r *submissionRun) saveAction(_ context.Context) error {
	now := r.svc.now().UTC()
	r.action = &models.CollectionSubmissionAction{
		ID:           uuid.NewString(),
		SubmissionID: r.submission.ID,
		Trigger:      r.trigger,
		FromState:    r.from,
		ToState:      r.submission.State,
		ActorID:      r.actor.ID,
		Comment:      r.comment,
		CreatedAt:    now,
	}
	r.submission.LastTransitioned = &now
	r.submission.DateModified = now
	return nil
}

func (r *submissionRun) makePublic(_ context.Context) error {
	r.submission.ItemPublic = true
	r.change.ItemPublic = boolPtr(true)
	return nil
}

func (r *submissionRun) addToSearch(_ context.Context) error {
	r.submission.Searchable = true
	r.change.Searchable = boolPtr(true)
	return nil
}

func (r *submissionRun) removeFromSearch(_ context.Context) error {
	r.submission.Searchable = false
	r.change.Searchable = boolPtr(false)
	return nil
}

func (r *submissionRun) persist(ctx context.Context) error {
	r.change.SubmissionID = r.submission.ID
	r.change.From = r.from
	r.change.To = r.submission.State
	r.change.Action = r.action
	r.change.At = r.action.CreatedAt
	if err := r.svc.store.ApplyTransition(ctx, r.change); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrConflict, "collection submission changed concurrently")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist collection submission transition")
	}
	return nil
}

func (r *submissionRun) notify(event models.NotificationEvent, recipients []string, data map[string]string) {
	if len(recipients) == 0 {
		return
	}
	if data == nil {
		data = make(map[string]string)
	}
	data["collection_id"] = r.submission.CollectionID
	data["item_id"] = r.submission.ItemID
	data["state"] = string(r.submission.State)
	if r.comment != "" {
		data["comment"] = r.comment
	}
	r.notifications = append(r.notifications, models.Notification{
		Event:      event,
		SubjectID:  r.submission.ID,
		Recipients: recipients,
		Context:    data,
		OccurredAt: r.svc.now().UTC(),
	})
}

func (r *submissionRun) contributors() []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(r.submission.ItemAdminIDs)+1)
	for _, id := range append([]string{r.submission.CreatorID}, r.submission.ItemAdminIDs...) {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func (r *submissionRun) notifyAccepted(_ context.Context) error {
	r.notify(models.NotificationSubmissionAccepted, r.contributors(), nil)
	return nil
}

func (r *submissionRun) notifyContributorsPending(_ context.Context) error {
	r.notify(models.NotificationSubmissionPending, r.contributors(), nil)
	return nil
}

func (r *submissionRun) notifyModeratorsPending(_ context.Context) error {
	r.notify(models.NotificationSubmissionModeratorsPending, r.collection.ModeratorIDs, nil)
	return nil
}

func (r *submissionRun) notifyRejected(_ context.Context) error {
	r.notify(models.NotificationSubmissionRejected, r.contributors(), map[string]string{"rejected_by": r.actor.ID})
	return nil
}

func (r *submissionRun) notifyRemoved(_ context.Context) error {
	removedBy := "contributor"
	if r.collection.IsModerator(r.actor.ID) {
		removedBy = "moderator"
	}
	r.notify(models.NotificationSubmissionRemoved, r.contributors(), map[string]string{"removed_by": removedBy})
	return nil
}

func (r *submissionRun) notifyCancel(_ context.Context) error {
	r.notify(models.NotificationSubmissionCancelled, r.contributors(), nil)
	return nil
}
