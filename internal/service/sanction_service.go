package service

import (
	"context"
	"crypto/subtle"
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
	appErrors "github.com/noah-isme/sanction-engine/pkg/errors"
)

type sanctionStore interface {
	Create(ctx context.Context, sanction *models.Sanction) error
	GetByID(ctx context.Context, id string) (*models.Sanction, error)
	List(ctx context.Context, filter models.SanctionFilter) ([]models.Sanction, error)
	Count(ctx context.Context, filter models.SanctionFilter) (int, error)
	RecordApproval(ctx context.Context, sanctionID, approverID string, at time.Time) (bool, error)
	ApplyTransition(ctx context.Context, batch repository.TransitionBatch) error
}

type registrationReader interface {
	GetByID(ctx context.Context, id string) (*models.Registration, error)
}

type tokenIssuer interface {
	Issue(action, subjectID, approverID string) (string, error)
}

type notificationPublisher interface {
	Publish(ctx context.Context, n models.Notification)
}

type transitionMetrics interface {
	ObserveTransition(workflow, trigger, from, to string)
	ObserveReplay(workflow, trigger, state string)
}

type noopTransitionMetrics struct{}

func (noopTransitionMetrics) ObserveTransition(string, string, string, string) {}
func (noopTransitionMetrics) ObserveReplay(string, string, string)             {}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, models.Notification) {}

// Outcome is the result of a sanction operation. Replayed triggers are not
// errors; they come back with an already_* status and an untouched sanction.
type Outcome struct {
	Sanction *models.Sanction   `json:"sanction"`
	Status   models.TokenStatus `json:"status"`
}

// SanctionDetail is a sanction with its derived registration moderation state.
type SanctionDetail struct {
	*models.Sanction
	ModerationState models.RegistrationModerationState `json:"moderationState"`
}

// SanctionService drives sanctions through their transition table.
type SanctionService struct {
	sanctions     sanctionStore
	registrations registrationReader
	tokens        tokenIssuer
	locker        Locker
	notifier      notificationPublisher
	metrics       transitionMetrics
	validator     *validator.Validate
	logger        *zap.Logger
	now           func() time.Time
	lockTTL       time.Duration
	lockWait      time.Duration
	linkBase      string
}

// SanctionServiceOption configures the service.
type SanctionServiceOption func(*SanctionService)

// WithSanctionLocker overrides the default in-process lock table.
func WithSanctionLocker(locker Locker) SanctionServiceOption {
	return func(s *SanctionService) {
		if locker != nil {
			s.locker = locker
		}
	}
}

// WithSanctionNotifier sets where buffered notifications are published after commit.
func WithSanctionNotifier(notifier notificationPublisher) SanctionServiceOption {
	return func(s *SanctionService) {
		if notifier != nil {
			s.notifier = notifier
		}
	}
}

// WithSanctionMetrics records transition and replay counters.
func WithSanctionMetrics(metrics transitionMetrics) SanctionServiceOption {
	return func(s *SanctionService) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

// WithSanctionClock overrides time.Now.
func WithSanctionClock(now func() time.Time) SanctionServiceOption {
	return func(s *SanctionService) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSanctionLockTiming sets the lock lease and how long callers wait for a busy lock.
func WithSanctionLockTiming(ttl, wait time.Duration) SanctionServiceOption {
	return func(s *SanctionService) {
		if ttl > 0 {
			s.lockTTL = ttl
		}
		if wait >= 0 {
			s.lockWait = wait
		}
	}
}

// WithTokenLinkBase sets the URL prefix approval tokens are appended to in emails.
func WithTokenLinkBase(base string) SanctionServiceOption {
	return func(s *SanctionService) {
		s.linkBase = base
	}
}

// NewSanctionService constructs the service with defaults.
func NewSanctionService(sanctions sanctionStore, registrations registrationReader, tokens tokenIssuer, logger *zap.Logger, opts ...SanctionServiceOption) *SanctionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &SanctionService{
		sanctions:     sanctions,
		registrations: registrations,
		tokens:        tokens,
		locker:        NewMemoryLocker(),
		notifier:      noopPublisher{},
		metrics:       noopTransitionMetrics{},
		validator:     validator.New(),
		logger:        logger,
		now:           time.Now,
		lockTTL:       30 * time.Second,
		lockWait:      2 * time.Second,
	}
	svc.validator.RegisterValidation("sanction_type", func(fl validator.FieldLevel) bool {
		return models.SanctionType(fl.Field().String()).Valid()
	})
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

// TriggerOption adjusts a single operation.
type TriggerOption func(*triggerOptions)

type triggerOptions struct {
	comment string
	reason  string
	token   *presentedToken
	noWait  bool
	expect  models.SanctionState
}

type presentedToken struct {
	verb   models.TokenVerb
	family models.SanctionType
	value  string
}

// WithComment attaches a comment to the recorded action.
func WithComment(comment string) TriggerOption {
	return func(o *triggerOptions) {
		o.comment = strings.TrimSpace(comment)
	}
}

// WithPresentedToken requires the actor's stored token for verb to equal value.
// A sanction of another family, or one whose registration is gone, is reported
// as no longer available.
func WithPresentedToken(verb models.TokenVerb, family models.SanctionType, value string) TriggerOption {
	return func(o *triggerOptions) {
		o.token = &presentedToken{verb: verb, family: family, value: value}
	}
}

func withoutLockWait() TriggerOption {
	return func(o *triggerOptions) {
		o.noWait = true
	}
}

// withExpectedState refuses to fire when the locked sanction is no longer in state.
func withExpectedState(state models.SanctionState) TriggerOption {
	return func(o *triggerOptions) {
		o.expect = state
	}
}

// Create validates the request and stores a new in-progress sanction with one
// approval entry per approver. When req.Submit is set the sanction is submitted
// immediately.
func (s *SanctionService) Create(ctx context.Context, req dto.CreateSanctionRequest) (*models.Sanction, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid sanction payload")
	}
	registration, err := s.registrations.GetByID(ctx, req.RegistrationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "registration not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load registration")
	}
	if registration.IsDeleted {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "registration has been deleted")
	}
	if req.Type == models.SanctionTypeEmbargo && req.EndDate == nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "embargo requires an end date")
	}

	now := s.now().UTC()
	sanction := &models.Sanction{
		ID:             uuid.NewString(),
		Type:           req.Type,
		State:          models.SanctionStateInProgress,
		RegistrationID: req.RegistrationID,
		ParentID:       req.ParentID,
		InitiatedBy:    req.InitiatedBy,
		Justification:  req.Justification,
		Revisable:      req.Revisable,
		InitiationDate: now,
		EndDate:        req.EndDate,
		DateModified:   now,
	}
	entries, err := s.issueEntries(sanction.ID, sanction.Type, req.ApproverIDs)
	if err != nil {
		return nil, err
	}
	sanction.ApprovalState = make(models.ApprovalState, len(entries))
	for i := range entries {
		entry := entries[i]
		sanction.ApprovalState[entry.ApproverID] = &entry
	}
	if err := s.sanctions.Create(ctx, sanction); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create sanction")
	}
	s.logger.Info("sanction created",
		zap.String("sanction_id", sanction.ID),
		zap.String("type", string(sanction.Type)),
		zap.String("registration_id", sanction.RegistrationID),
		zap.Int("approvers", len(entries)),
	)
	if !req.Submit {
		return sanction, nil
	}
	outcome, err := s.Submit(ctx, sanction.ID, models.Actor{ID: req.InitiatedBy})
	if err != nil {
		return nil, err
	}
	return outcome.Sanction, nil
}

// Get returns a sanction with its registration moderation state.
func (s *SanctionService) Get(ctx context.Context, id string) (*SanctionDetail, error) {
	sanction, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return &SanctionDetail{
		Sanction:        sanction,
		ModerationState: models.ModerationStateFor(sanction.Type, sanction.State),
	}, nil
}

// ModerationQueue lists sanctions waiting on a moderator, oldest first.
func (s *SanctionService) ModerationQueue(ctx context.Context, query dto.ModerationQueueQuery) ([]models.Sanction, *models.Pagination, error) {
	page := query.Page
	if page <= 0 {
		page = 1
	}
	size := query.PageSize
	if size <= 0 || size > 100 {
		size = 25
	}
	filter := models.SanctionFilter{
		Types:  query.Types,
		States: []models.SanctionState{models.SanctionStatePendingModeration},
		Limit:  size,
		Offset: (page - 1) * size,
	}
	sanctions, err := s.sanctions.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load moderation queue")
	}
	total, err := s.sanctions.Count(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count moderation queue")
	}
	return sanctions, &models.Pagination{Page: page, PageSize: size, TotalCount: total}, nil
}

// Submit moves an in-progress sanction to its approvers.
func (s *SanctionService) Submit(ctx context.Context, id string, actor models.Actor, opts ...TriggerOption) (*Outcome, error) {
	return s.apply(ctx, id, actor, models.SanctionTriggerSubmit, opts...)
}

// Approve records one approver's consent.
func (s *SanctionService) Approve(ctx context.Context, id string, approver models.Actor, opts ...TriggerOption) (*Outcome, error) {
	return s.apply(ctx, id, approver, models.SanctionTriggerApprove, opts...)
}

// Accept is a moderator's acceptance or the sweep's auto-acceptance.
func (s *SanctionService) Accept(ctx context.Context, id string, actor models.Actor, opts ...TriggerOption) (*Outcome, error) {
	return s.apply(ctx, id, actor, models.SanctionTriggerAccept, opts...)
}

// Reject routes by revisability and by who rejects.
func (s *SanctionService) Reject(ctx context.Context, id string, actor models.Actor, opts ...TriggerOption) (*Outcome, error) {
	return s.apply(ctx, id, actor, models.SanctionTriggerReject, opts...)
}

// Resubmit reopens an admin-rejected sanction with fresh approval tokens.
func (s *SanctionService) Resubmit(ctx context.Context, id string, actor models.Actor, opts ...TriggerOption) (*Outcome, error) {
	return s.apply(ctx, id, actor, models.SanctionTriggerResubmit, opts...)
}

// ForciblyReject terminates a sanction whose subject was lost. It bypasses
// every guard and validation.
func (s *SanctionService) ForciblyReject(ctx context.Context, id, reason string, opts ...TriggerOption) (*Outcome, error) {
	opts = append(opts, func(o *triggerOptions) { o.reason = reason })
	return s.apply(ctx, id, models.SystemActor(), models.SanctionTriggerForceReject, opts...)
}

// CompleteEmbargo ends an approved embargo and makes its registration public.
func (s *SanctionService) CompleteEmbargo(ctx context.Context, id string, opts ...TriggerOption) (*Outcome, error) {
	return s.apply(ctx, id, models.SystemActor(), models.SanctionTriggerComplete, opts...)
}

func (s *SanctionService) apply(ctx context.Context, id string, actor models.Actor, trigger models.SanctionTrigger, opts ...TriggerOption) (*Outcome, error) {
	options := triggerOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	wait := s.lockWait
	if options.noWait {
		wait = 0
	}
	release, err := acquireWithin(ctx, s.locker, sanctionLockKey(id), s.lockTTL, wait)
	if err != nil {
		if errors.Is(err, appErrors.ErrLocked) {
			return nil, appErrors.Clone(appErrors.ErrLocked, "sanction is being updated, try again")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to lock sanction")
	}
	defer release()

	// Reload inside the lock so the table never sees a stale state.
	sanction, err := s.load(ctx, id)
	if err != nil {
		if options.token != nil && errors.Is(err, appErrors.ErrNotFound) {
			return nil, appErrors.Clone(appErrors.ErrNoSanction, "")
		}
		return nil, err
	}
	if options.expect != "" && sanction.State != options.expect {
		return nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("sanction moved to %s", sanction.State))
	}
	registration, err := s.registration(ctx, sanction.RegistrationID)
	if err != nil {
		return nil, err
	}
	if options.token != nil {
		if err := checkPresentedToken(sanction, registration, actor, options.token); err != nil {
			return nil, err
		}
	}

	run := s.newRun(sanction, registration, actor)
	run.comment = options.comment
	run.reason = options.reason
	result, err := run.fire(ctx, trigger)
	if err != nil {
		s.logger.Debug("sanction trigger failed",
			zap.String("sanction_id", id),
			zap.String("trigger", string(trigger)),
			zap.String("state", string(result.From)),
			zap.Error(err),
		)
		var typed *appErrors.Error
		if errors.As(err, &typed) {
			return nil, err
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "sanction transition failed")
	}
	s.flush(ctx, run)

	status := run.status
	if result.Replay {
		status = replayStatus(trigger, result.From)
	}
	if result.Changed {
		s.logger.Info("sanction transitioned",
			zap.String("sanction_id", id),
			zap.String("trigger", string(trigger)),
			zap.String("from", string(result.From)),
			zap.String("to", string(result.To)),
			zap.String("actor_id", actor.ID),
		)
	}
	return &Outcome{Sanction: sanction, Status: status}, nil
}

// flush reports what committed and hands buffered notifications to delivery.
func (s *SanctionService) flush(ctx context.Context, run *sanctionRun) {
	for _, applied := range run.applied {
		s.metrics.ObserveTransition(SanctionWorkflowName, string(applied.trigger), string(applied.from), string(applied.to))
	}
	for _, n := range run.notifications {
		s.notifier.Publish(ctx, n)
	}
	run.applied = nil
	run.notifications = nil
}

func (s *SanctionService) load(ctx context.Context, id string) (*models.Sanction, error) {
	sanction, err := s.sanctions.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "sanction not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load sanction")
	}
	return sanction, nil
}

// registration returns nil when the row is gone entirely.
func (s *SanctionService) registration(ctx context.Context, id string) (*models.Registration, error) {
	registration, err := s.registrations.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load registration")
	}
	return registration, nil
}

func checkPresentedToken(sanction *models.Sanction, registration *models.Registration, actor models.Actor, token *presentedToken) error {
	if sanction.Type != token.family || registration == nil || registration.IsDeleted {
		return appErrors.Clone(appErrors.ErrNoSanction, "")
	}
	entry, ok := sanction.Entry(actor.ID)
	if !ok {
		return appErrors.Clone(appErrors.ErrInvalidToken, "token does not belong to an approver of this "+sanction.Type.DisplayName())
	}
	expected := entry.ApprovalToken
	if token.verb == models.TokenVerbReject {
		expected = entry.RejectionToken
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(token.value)) != 1 {
		return appErrors.Clone(appErrors.ErrInvalidToken, "token has been superseded")
	}
	return nil
}

func replayStatus(trigger models.SanctionTrigger, state models.SanctionState) models.TokenStatus {
	switch trigger {
	case models.SanctionTriggerReject, models.SanctionTriggerForceReject:
		return models.TokenStatusAlreadyRejected
	case models.SanctionTriggerComplete:
		return models.TokenStatusAlreadyCompleted
	}
	if state == models.SanctionStateCompleted {
		return models.TokenStatusAlreadyCompleted
	}
	return models.TokenStatusAlreadyApproved
}

func (s *SanctionService) issueEntries(sanctionID string, family models.SanctionType, approverIDs []string) ([]models.ApprovalEntry, error) {
	entries := make([]models.ApprovalEntry, 0, len(approverIDs))
	for _, approverID := range approverIDs {
		approval, err := s.tokens.Issue(string(models.NewTokenAction(models.TokenVerbApprove, family)), sanctionID, approverID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to issue approval token")
		}
		rejection, err := s.tokens.Issue(string(models.NewTokenAction(models.TokenVerbReject, family)), sanctionID, approverID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to issue rejection token")
		}
		entries = append(entries, models.ApprovalEntry{
			ApproverID:     approverID,
			ApprovalToken:  approval,
			RejectionToken: rejection,
		})
	}
	return entries, nil
}

func (s *SanctionService) tokenLink(token string) string {
	if s.linkBase == "" {
		return token
	}
	return fmt.Sprintf("%s/%s", strings.TrimRight(s.linkBase, "/"), token)
}
