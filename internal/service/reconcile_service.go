package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sanction-engine/internal/models"
	appErrors "github.com/noah-isme/sanction-engine/pkg/errors"
)

// Reconcile candidate kinds.
const (
	ReconcileKindPendingEmbargo  = "pending_embargo"
	ReconcileKindExpiredEmbargo  = "expired_embargo"
	ReconcileKindPendingApproval = "pending_approval"
)

// Reconcile actions. Dry runs report the would_ form.
const (
	ReconcileActionAccept      = "accept"
	ReconcileActionComplete    = "complete"
	ReconcileActionForceReject = "force_reject"
)

// Per-candidate results.
const (
	ReconcileStatusApplied = "applied"
	ReconcileStatusPlanned = "planned"
	ReconcileStatusSkipped = "skipped"
	ReconcileStatusFailed  = "failed"
)

type sanctionLister interface {
	List(ctx context.Context, filter models.SanctionFilter) ([]models.Sanction, error)
}

type sanctionSweeper interface {
	Accept(ctx context.Context, id string, actor models.Actor, opts ...TriggerOption) (*Outcome, error)
	CompleteEmbargo(ctx context.Context, id string, opts ...TriggerOption) (*Outcome, error)
	ForciblyReject(ctx context.Context, id, reason string, opts ...TriggerOption) (*Outcome, error)
}

type reconcileMetrics interface {
	ObserveReconcile(kind, action string, dryRun bool)
	ObserveReconcileFailure(kind string)
}

type noopReconcileMetrics struct{}

func (noopReconcileMetrics) ObserveReconcile(string, string, bool) {}
func (noopReconcileMetrics) ObserveReconcileFailure(string)        {}

// RunOptions controls one sweep.
type RunOptions struct {
	DryRun bool
	Now    time.Time
}

// ReconcileItem records what the sweep did with one sanction.
type ReconcileItem struct {
	SanctionID string              `json:"sanctionId"`
	Type       models.SanctionType `json:"type"`
	Kind       string              `json:"kind"`
	Action     string              `json:"action"`
	Status     string              `json:"status"`
	Error      string              `json:"error,omitempty"`
}

// ReconcileReport summarises a sweep.
type ReconcileReport struct {
	DryRun     bool            `json:"dryRun"`
	StartedAt  time.Time       `json:"startedAt"`
	FinishedAt time.Time       `json:"finishedAt"`
	Applied    int             `json:"applied"`
	Planned    int             `json:"planned"`
	Skipped    int             `json:"skipped"`
	Failed     int             `json:"failed"`
	Items      []ReconcileItem `json:"items"`
}

func (r *ReconcileReport) add(item ReconcileItem) {
	switch item.Status {
	case ReconcileStatusApplied:
		r.Applied++
	case ReconcileStatusPlanned:
		r.Planned++
	case ReconcileStatusSkipped:
		r.Skipped++
	case ReconcileStatusFailed:
		r.Failed++
	}
	r.Items = append(r.Items, item)
}

// ReconcileService advances sanctions whose deadlines have passed: embargoes
// nobody acted on within the pending window are auto-approved, approved
// embargoes past their end date are completed, and other approval sanctions
// left unapproved past the window are auto-approved.
type ReconcileService struct {
	sanctions     sanctionLister
	registrations registrationReader
	engine        sanctionSweeper
	metrics       reconcileMetrics
	logger        *zap.Logger
	window        time.Duration
	batchSize     int
}

// ReconcileOption configures the service.
type ReconcileOption func(*ReconcileService)

// WithReconcileMetrics counts sweep actions.
func WithReconcileMetrics(metrics reconcileMetrics) ReconcileOption {
	return func(s *ReconcileService) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

// WithPendingWindow sets how long a sanction may stay unapproved.
func WithPendingWindow(window time.Duration) ReconcileOption {
	return func(s *ReconcileService) {
		if window > 0 {
			s.window = window
		}
	}
}

// WithReconcileBatchSize bounds each candidate query.
func WithReconcileBatchSize(size int) ReconcileOption {
	return func(s *ReconcileService) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

// NewReconcileService constructs the sweep with a 48h window and batches of 200.
func NewReconcileService(sanctions sanctionLister, registrations registrationReader, engine sanctionSweeper, logger *zap.Logger, opts ...ReconcileOption) *ReconcileService {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &ReconcileService{
		sanctions:     sanctions,
		registrations: registrations,
		engine:        engine,
		metrics:       noopReconcileMetrics{},
		logger:        logger,
		window:        48 * time.Hour,
		batchSize:     200,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(svc)
		}
	}
	return svc
}

type reconcilePass struct {
	kind   string
	filter models.SanctionFilter
	expect models.SanctionState
	action string
}

// Run executes one sweep. Failures on individual sanctions are reported and
// logged; only a failed candidate query aborts the sweep.
func (s *ReconcileService) Run(ctx context.Context, opts RunOptions) (*ReconcileReport, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()
	cutoff := now.Add(-s.window)

	report := &ReconcileReport{DryRun: opts.DryRun, StartedAt: now, Items: []ReconcileItem{}}
	passes := []reconcilePass{
		{
			kind: ReconcileKindPendingEmbargo,
			filter: models.SanctionFilter{
				Types:           []models.SanctionType{models.SanctionTypeEmbargo},
				States:          []models.SanctionState{models.SanctionStateUnapproved},
				InitiatedBefore: &cutoff,
			},
			expect: models.SanctionStateUnapproved,
			action: ReconcileActionAccept,
		},
		{
			kind: ReconcileKindExpiredEmbargo,
			filter: models.SanctionFilter{
				Types:       []models.SanctionType{models.SanctionTypeEmbargo},
				States:      []models.SanctionState{models.SanctionStateApproved},
				EndedBefore: &now,
			},
			expect: models.SanctionStateApproved,
			action: ReconcileActionComplete,
		},
		{
			kind: ReconcileKindPendingApproval,
			filter: models.SanctionFilter{
				Types: []models.SanctionType{
					models.SanctionTypeRegistrationApproval,
					models.SanctionTypeRetraction,
					models.SanctionTypeEmbargoTerminationApproval,
				},
				States:          []models.SanctionState{models.SanctionStateUnapproved},
				InitiatedBefore: &cutoff,
			},
			expect: models.SanctionStateUnapproved,
			action: ReconcileActionAccept,
		},
	}

	for _, pass := range passes {
		if err := s.sweep(ctx, pass, opts.DryRun, report); err != nil {
			report.FinishedAt = time.Now().UTC()
			return report, err
		}
	}
	report.FinishedAt = time.Now().UTC()
	s.logger.Info("reconcile sweep finished",
		zap.Bool("dry_run", report.DryRun),
		zap.Int("applied", report.Applied),
		zap.Int("planned", report.Planned),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

// sweep pages through one pass. Applied candidates drop out of the filter, so
// the offset only advances past candidates that are still there.
func (s *ReconcileService) sweep(ctx context.Context, pass reconcilePass, dryRun bool, report *ReconcileReport) error {
	seen := make(map[string]struct{})
	offset := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		filter := pass.filter
		filter.Limit = s.batchSize
		filter.Offset = offset
		candidates, err := s.sanctions.List(ctx, filter)
		if err != nil {
			s.metrics.ObserveReconcileFailure(pass.kind)
			return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load "+pass.kind+" candidates")
		}
		fresh := 0
		for i := range candidates {
			candidate := candidates[i]
			if _, ok := seen[candidate.ID]; ok {
				continue
			}
			seen[candidate.ID] = struct{}{}
			fresh++
			item := s.reconcile(ctx, pass, &candidate, dryRun)
			if item.Status != ReconcileStatusApplied {
				offset++
			}
			report.add(item)
		}
		if fresh == 0 || len(candidates) < s.batchSize {
			return nil
		}
	}
}

func (s *ReconcileService) reconcile(ctx context.Context, pass reconcilePass, candidate *models.Sanction, dryRun bool) ReconcileItem {
	item := ReconcileItem{SanctionID: candidate.ID, Type: candidate.Type, Kind: pass.kind, Action: pass.action}
	logger := s.logger.With(
		zap.String("sanction_id", candidate.ID),
		zap.String("kind", pass.kind),
	)

	deleted, err := s.registrationDeleted(ctx, candidate.RegistrationID)
	if err != nil {
		return s.fail(logger, item, err)
	}
	if deleted {
		item.Action = ReconcileActionForceReject
	}
	if dryRun {
		item.Action = "would_" + item.Action
		item.Status = ReconcileStatusPlanned
		s.metrics.ObserveReconcile(pass.kind, item.Action, true)
		return item
	}

	opts := []TriggerOption{withoutLockWait(), withExpectedState(pass.expect)}
	var outcome *Outcome
	switch item.Action {
	case ReconcileActionForceReject:
		outcome, err = s.engine.ForciblyReject(ctx, candidate.ID, "registration deleted", opts...)
	case ReconcileActionComplete:
		outcome, err = s.engine.CompleteEmbargo(ctx, candidate.ID, opts...)
	default:
		outcome, err = s.engine.Accept(ctx, candidate.ID, models.SystemActor(), opts...)
	}
	switch {
	case err == nil && outcome.Status == models.TokenStatusApplied:
		item.Status = ReconcileStatusApplied
		s.metrics.ObserveReconcile(pass.kind, item.Action, false)
		logger.Info("sanction reconciled", zap.String("action", item.Action))
	case err == nil:
		item.Status = ReconcileStatusSkipped
		item.Error = string(outcome.Status)
	case errors.Is(err, appErrors.ErrLocked),
		errors.Is(err, appErrors.ErrConflict),
		errors.Is(err, appErrors.ErrInvalidTransition),
		errors.Is(err, appErrors.ErrNotFound):
		item.Status = ReconcileStatusSkipped
		item.Error = appErrors.FromError(err).Message
		logger.Debug("reconcile candidate skipped", zap.Error(err))
	default:
		return s.fail(logger, item, err)
	}
	return item
}

func (s *ReconcileService) fail(logger *zap.Logger, item ReconcileItem, err error) ReconcileItem {
	item.Status = ReconcileStatusFailed
	item.Error = err.Error()
	s.metrics.ObserveReconcileFailure(item.Kind)
	logger.Error("failed to reconcile sanction", zap.String("action", item.Action), zap.Error(err))
	return item
}

// registrationDeleted treats a missing registration as deleted.
func (s *ReconcileService) registrationDeleted(ctx context.Context, id string) (bool, error) {
	registration, err := s.registrations.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return true, nil
		}
		return false, err
	}
	return registration.IsDeleted, nil
}
