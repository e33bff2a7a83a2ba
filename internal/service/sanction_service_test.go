package service

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sanction-engine/internal/dto"
	"github.com/noah-isme/sanction-engine/internal/models"
	"github.com/noah-isme/sanction-engine/internal/repository"
	appErrors "github.com/noah-isme/sanction-engine/pkg/errors"
	"github.com/noah-isme/sanction-engine/pkg/tokens"
)

var fixedNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type memoryRegistrations struct {
	mu   sync.Mutex
	rows map[string]*models.Registration
}

func (m *memoryRegistrations) GetByID(_ context.Context, id string) (*models.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.rows[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *reg
	return &cp, nil
}

func (m *memoryRegistrations) get(id string) models.Registration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.rows[id]
}

func (m *memoryRegistrations) apply(change repository.RegistrationChange) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.rows[change.RegistrationID]
	if !ok {
		return
	}
	if change.Visibility.IsPublic != nil {
		reg.IsPublic = *change.Visibility.IsPublic
	}
	if change.Visibility.IsWithdrawn != nil {
		reg.IsWithdrawn = *change.Visibility.IsWithdrawn
	}
}

type memorySanctionStore struct {
	mu            sync.Mutex
	rows          map[string]*models.Sanction
	actions       []models.SanctionAction
	batches       []repository.TransitionBatch
	registrations *memoryRegistrations
	applyErr      error
	failing       map[string]error
}

func (m *memorySanctionStore) Create(_ context.Context, sanction *models.Sanction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[sanction.ID] = sanction.Clone()
	return nil
}

func (m *memorySanctionStore) GetByID(_ context.Context, id string) (*models.Sanction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return row.Clone(), nil
}

func (m *memorySanctionStore) List(_ context.Context, filter models.SanctionFilter) ([]models.Sanction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Sanction
	for _, row := range m.rows {
		if len(filter.Types) > 0 && !containsType(filter.Types, row.Type) {
			continue
		}
		if len(filter.States) > 0 && !containsState(filter.States, row.State) {
			continue
		}
		if filter.RegistrationID != "" && row.RegistrationID != filter.RegistrationID {
			continue
		}
		if filter.InitiatedBefore != nil && row.InitiationDate.After(*filter.InitiatedBefore) {
			continue
		}
		if filter.EndedBefore != nil && (row.EndDate == nil || !row.EndDate.Before(*filter.EndedBefore)) {
			continue
		}
		out = append(out, *row.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].InitiationDate.Equal(out[j].InitiationDate) {
			return out[i].InitiationDate.Before(out[j].InitiationDate)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *memorySanctionStore) Count(ctx context.Context, filter models.SanctionFilter) (int, error) {
	filter.Limit, filter.Offset = 0, 0
	rows, err := m.List(ctx, filter)
	return len(rows), err
}

func (m *memorySanctionStore) RecordApproval(_ context.Context, sanctionID, approverID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[sanctionID]
	if !ok {
		return false, nil
	}
	entry, ok := row.Entry(approverID)
	if !ok || entry.HasApproved {
		return false, nil
	}
	entry.HasApproved = true
	entry.ApprovedAt = &at
	return true, nil
}

func (m *memorySanctionStore) ApplyTransition(_ context.Context, batch repository.TransitionBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyErr != nil {
		return m.applyErr
	}
	for _, change := range batch.Sanctions {
		if err := m.failing[change.SanctionID]; err != nil {
			return err
		}
	}
	for _, change := range batch.Sanctions {
		row, ok := m.rows[change.SanctionID]
		if !ok || row.State != change.From {
			return sql.ErrNoRows
		}
	}
	for _, change := range batch.Sanctions {
		row := m.rows[change.SanctionID]
		row.State = change.To
		at := change.At
		row.LastTransitioned = &at
		if len(change.Approvals) > 0 {
			row.ApprovalState = models.ApprovalState{}
			for i := range change.Approvals {
				entry := change.Approvals[i]
				row.ApprovalState[entry.ApproverID] = &entry
			}
		}
		if change.Action != nil {
			m.actions = append(m.actions, *change.Action)
		}
	}
	for _, change := range batch.Registrations {
		m.registrations.apply(change)
	}
	m.batches = append(m.batches, batch)
	return nil
}

func (m *memorySanctionStore) failFor(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing == nil {
		m.failing = map[string]error{}
	}
	if err == nil {
		delete(m.failing, id)
		return
	}
	m.failing[id] = err
}

func (m *memorySanctionStore) put(sanction *models.Sanction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[sanction.ID] = sanction.Clone()
}

func (m *memorySanctionStore) get(id string) *models.Sanction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id].Clone()
}

func (m *memorySanctionStore) batchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

func (m *memorySanctionStore) lastBatch() repository.TransitionBatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batches[len(m.batches)-1]
}

func containsType(list []models.SanctionType, t models.SanctionType) bool {
	for _, v := range list {
		if v == t {
			return true
		}
	}
	return false
}

func containsState(list []models.SanctionState, s models.SanctionState) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []models.Notification
}

func (p *recordingPublisher) Publish(_ context.Context, n models.Notification) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, n)
}

func (p *recordingPublisher) events() []models.NotificationEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.NotificationEvent, len(p.sent))
	for i, n := range p.sent {
		out[i] = n.Event
	}
	return out
}

func (p *recordingPublisher) last() models.Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sent[len(p.sent)-1]
}

type recordingMetrics struct {
	mu          sync.Mutex
	transitions []string
	replays     []string
}

func (m *recordingMetrics) ObserveTransition(workflow, trigger, from, to string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, workflow+":"+trigger+":"+from+">"+to)
}

func (m *recordingMetrics) ObserveReplay(workflow, trigger, state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replays = append(m.replays, workflow+":"+trigger+":"+state)
}

type sanctionFixture struct {
	store         *memorySanctionStore
	registrations *memoryRegistrations
	codec         *tokens.Codec
	notifier      *recordingPublisher
	metrics       *recordingMetrics
	locker        *MemoryLocker
	svc           *SanctionService
}

func newSanctionFixture(t *testing.T, opts ...SanctionServiceOption) *sanctionFixture {
	t.Helper()
	registrations := &memoryRegistrations{rows: map[string]*models.Registration{
		"reg-open":      {ID: "reg-open", ProviderID: "osf", AdminIDs: []string{"admin-1"}},
		"reg-moderated": {ID: "reg-moderated", ProviderID: "psyarxiv", IsModerated: true, AdminIDs: []string{"admin-2"}},
		"reg-deleted":   {ID: "reg-deleted", ProviderID: "osf", IsDeleted: true},
	}}
	store := &memorySanctionStore{rows: map[string]*models.Sanction{}, registrations: registrations}
	codec, err := tokens.NewCodec("test-secret")
	require.NoError(t, err)
	f := &sanctionFixture{
		store:         store,
		registrations: registrations,
		codec:         codec,
		notifier:      &recordingPublisher{},
		metrics:       &recordingMetrics{},
		locker:        NewMemoryLocker(),
	}
	base := []SanctionServiceOption{
		WithSanctionNotifier(f.notifier),
		WithSanctionMetrics(f.metrics),
		WithSanctionLocker(f.locker),
		WithSanctionClock(func() time.Time { return fixedNow }),
		WithTokenLinkBase("https://osf.test/tokens/"),
	}
	f.svc = NewSanctionService(store, registrations, codec, nil, append(base, opts...)...)
	return f
}

func (f *sanctionFixture) create(t *testing.T, req dto.CreateSanctionRequest) *models.Sanction {
	t.Helper()
	if req.InitiatedBy == "" {
		req.InitiatedBy = "initiator"
	}
	if req.Type == models.SanctionTypeEmbargo && req.EndDate == nil {
		end := fixedNow.Add(30 * 24 * time.Hour)
		req.EndDate = &end
	}
	sanction, err := f.svc.Create(context.Background(), req)
	require.NoError(t, err)
	return sanction
}

// seed stores a sanction directly in state with one entry per approver.
func (f *sanctionFixture) seed(id string, kind models.SanctionType, state models.SanctionState, registrationID string, approvers ...string) *models.Sanction {
	sanction := &models.Sanction{
		ID:             id,
		Type:           kind,
		State:          state,
		RegistrationID: registrationID,
		InitiatedBy:    "initiator",
		InitiationDate: fixedNow.Add(-time.Hour),
		DateModified:   fixedNow.Add(-time.Hour),
		ApprovalState:  models.ApprovalState{},
	}
	for _, approver := range approvers {
		sanction.ApprovalState[approver] = &models.ApprovalEntry{ApproverID: approver, ApprovalToken: "a-" + approver, RejectionToken: "r-" + approver}
	}
	f.store.put(sanction)
	return sanction
}

func approver(id string) models.Actor { return models.Actor{ID: id} }

func moderator(id string) models.Actor { return models.Actor{ID: id, IsModerator: true} }

func TestEmbargoApprovalFlowWithoutModeration(t *testing.T) {
	f := newSanctionFixture(t)
	ctx := context.Background()

	embargo := f.create(t, dto.CreateSanctionRequest{
		Type:           models.SanctionTypeEmbargo,
		RegistrationID: "reg-open",
		ApproverIDs:    []string{"alice", "bob"},
		Submit:         true,
	})
	require.Equal(t, models.SanctionStateUnapproved, embargo.State)
	require.Equal(t, []models.NotificationEvent{models.NotificationSanctionSubmitted, models.NotificationSanctionSubmitted}, f.notifier.events())
	link := f.notifier.sent[0].Context["approval_link"]
	require.True(t, strings.HasPrefix(link, "https://osf.test/tokens/"), link)

	outcome, err := f.svc.Approve(ctx, embargo.ID, approver("alice"))
	require.NoError(t, err)
	require.Equal(t, models.TokenStatusApplied, outcome.Status)
	require.Equal(t, models.SanctionStateUnapproved, outcome.Sanction.State)

	outcome, err = f.svc.Approve(ctx, embargo.ID, approver("alice"))
	require.NoError(t, err)
	require.Equal(t, models.TokenStatusAlreadyApproved, outcome.Status)
	require.Equal(t, models.SanctionStateUnapproved, f.store.get(embargo.ID).State)

	outcome, err = f.svc.Approve(ctx, embargo.ID, approver("bob"))
	require.NoError(t, err)
	require.Equal(t, models.TokenStatusApplied, outcome.Status)
	require.Equal(t, models.SanctionStateApproved, f.store.get(embargo.ID).State)
	require.False(t, f.registrations.get("reg-open").IsPublic)
	require.Equal(t, models.NotificationSanctionCompleted, f.notifier.last().Event)
	require.ElementsMatch(t, []string{"initiator", "admin-1"}, f.notifier.last().Recipients)

	outcome, err = f.svc.Approve(ctx, embargo.ID, approver("bob"))
	require.NoError(t, err)
	require.Equal(t, models.TokenStatusAlreadyApproved, outcome.Status)

	outcome, err = f.svc.CompleteEmbargo(ctx, embargo.ID)
	require.NoError(t, err)
	require.Equal(t, models.TokenStatusApplied, outcome.Status)
	require.Equal(t, models.SanctionStateCompleted, f.store.get(embargo.ID).State)
	require.True(t, f.registrations.get("reg-open").IsPublic)

	outcome, err = f.svc.CompleteEmbargo(ctx, embargo.ID)
	require.NoError(t, err)
	require.Equal(t, models.TokenStatusAlreadyCompleted, outcome.Status)

	require.Contains(t, f.metrics.transitions, "sanction:accept:unapproved>approved")
	require.Contains(t, f.metrics.transitions, "sanction:complete:approved>completed")
	require.Contains(t, f.metrics.replays, "sanction:complete:completed")
}

func TestModeratedRegistrationRoutesThroughModerators(t *testing.T) {
	f := newSanctionFixture(t)
	ctx := context.Background()

	approval := f.create(t, dto.CreateSanctionRequest{
		Type:           models.SanctionTypeRegistrationApproval,
		RegistrationID: "reg-moderated",
		ApproverIDs:    []string{"alice"},
		Submit:         true,
	})
	_, err := f.svc.Approve(ctx, approval.ID, approver("alice"))
	require.NoError(t, err)
	require.Equal(t, models.SanctionStatePendingModeration, f.store.get(approval.ID).State)
	pending := f.notifier.last()
	require.Equal(t, models.NotificationSanctionPendingModeration, pending.Event)
	require.Equal(t, []string{"moderators:psyarxiv"}, pending.Recipients)

	detail, err := f.svc.Get(ctx, approval.ID)
	require.NoError(t, err)
	require.Equal(t, models.ModerationStatePending, detail.ModerationState)

	_, err = f.svc.Accept(ctx, approval.ID, approver("alice"))
	require.True(t, errors.Is(err, appErrors.ErrForbidden))
	require.Equal(t, models.SanctionStatePendingModeration, f.store.get(approval.ID).State)

	queue, page, err := f.svc.ModerationQueue(ctx, dto.ModerationQueueQuery{})
	require.NoError(t, err)
	require.Len(t, queue, 1)
	require.Equal(t, 1, page.Page)

	outcome, err := f.svc.Accept(ctx, approval.ID, moderator("mod-1"), WithComment("looks good"))
	require.NoError(t, err)
	require.Equal(t, models.SanctionStateApproved, outcome.Sanction.State)
	require.True(t, f.registrations.get("reg-moderated").IsPublic)
	last := f.store.actions[len(f.store.actions)-1]
	require.Equal(t, "looks good", last.Comment)
	require.Equal(t, models.ModerationTriggerAcceptSubmission, last.ModerationTrigger)
}

func TestModerationQueueReportsTotalAcrossPages(t *testing.T) {
	f := newSanctionFixture(t)
	for _, id := range []string{"ret-1", "ret-2", "ret-3"} {
		f.seed(id, models.SanctionTypeRetraction, models.SanctionStatePendingModeration, "reg-moderated", "alice")
	}
	f.seed("ret-done", models.SanctionTypeRetraction, models.SanctionStateApproved, "reg-moderated", "alice")

	queue, page, err := f.svc.ModerationQueue(context.Background(), dto.ModerationQueueQuery{Page: 2, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, queue, 1)
	require.Equal(t, 2, page.Page)
	require.Equal(t, 2, page.PageSize)
	require.Equal(t, 3, page.TotalCount)
}

func TestEmbargoTerminationCompletesParentWithoutModeration(t *testing.T) {
	f := newSanctionFixture(t)
	ctx := context.Background()

	parent := f.seed("emb-1", models.SanctionTypeEmbargo, models.SanctionStateApproved, "reg-moderated", "alice")
	termination := f.create(t, dto.CreateSanctionRequest{
		Type:           models.SanctionTypeEmbargoTerminationApproval,
		RegistrationID: "reg-moderated",
		ParentID:       &parent.ID,
		ApproverIDs:    []string{"alice"},
		Submit:         true,
	})
	batches := f.store.batchCount()

	_, err := f.svc.Approve(ctx, termination.ID, approver("alice"))
	require.NoError(t, err)
	require.Equal(t, models.SanctionStateApproved, f.store.get(termination.ID).State)
	require.Equal(t, models.SanctionStateCompleted, f.store.get(parent.ID).State)
	require.True(t, f.registrations.get("reg-moderated").IsPublic)
	require.Equal(t, batches+1, f.store.batchCount(), "termination and parent completion commit together")
	require.Len(t, f.store.lastBatch().Sanctions, 2)
}

func TestRetractionCascadesToActiveEmbargo(t *testing.T) {
	f := newSanctionFixture(t)
	ctx := context.Background()

	embargo := f.seed("emb-1", models.SanctionTypeEmbargo, models.SanctionStateApproved, "reg-open", "alice")
	approvedTermination := f.seed("term-1", models.SanctionTypeEmbargoTerminationApproval, models.SanctionStateApproved, "reg-open", "alice")
	pendingTermination := f.seed("term-2", models.SanctionTypeEmbargoTerminationApproval, models.SanctionStateUnapproved, "reg-open", "alice")
	retraction := f.create(t, dto.CreateSanctionRequest{
		Type:           models.SanctionTypeRetraction,
		RegistrationID: "reg-open",
		ApproverIDs:    []string{"alice"},
		Justification:  "data error",
		Submit:         true,
	})

	_, err := f.svc.Approve(ctx, retraction.ID, approver("alice"))
	require.NoError(t, err)
	require.Equal(t, models.SanctionStateApproved, f.store.get(retraction.ID).State)
	require.Equal(t, models.SanctionStateRejected, f.store.get(embargo.ID).State)
	require.Equal(t, models.SanctionStateRejected, f.store.get(pendingTermination.ID).State)
	require.Equal(t, models.SanctionStateApproved, f.store.get(approvedTermination.ID).State)
	require.True(t, f.registrations.get("reg-open").IsWithdrawn)

	batch := f.store.lastBatch()
	require.Len(t, batch.Sanctions, 3)
	require.Len(t, batch.Registrations, 1)
	for _, change := range batch.Sanctions[:2] {
		require.Equal(t, models.SanctionTriggerForceReject, change.Action.Trigger)
		require.Equal(t, models.SystemActorID, change.Action.ActorID)
		require.Equal(t, "registration withdrawn", change.Action.Comment)
	}
}

func TestRejectRouting(t *testing.T) {
	ctx := context.Background()

	t.Run("approver rejection is final", func(t *testing.T) {
		f := newSanctionFixture(t)
		s := f.create(t, dto.CreateSanctionRequest{Type: models.SanctionTypeEmbargo, RegistrationID: "reg-open", ApproverIDs: []string{"alice"}, Submit: true})

		outcome, err := f.svc.Reject(ctx, s.ID, approver("alice"))
		require.NoError(t, err)
		require.Equal(t, models.SanctionStateRejected, outcome.Sanction.State)
		require.Equal(t, models.NotificationSanctionRejected, f.notifier.last().Event)

		outcome, err = f.svc.Reject(ctx, s.ID, approver("alice"))
		require.NoError(t, err)
		require.Equal(t, models.TokenStatusAlreadyRejected, outcome.Status)

		_, err = f.svc.Approve(ctx, s.ID, approver("alice"))
		require.True(t, errors.Is(err, appErrors.ErrInvalidTransition))
	})

	t.Run("revisable rejection reopens with fresh tokens", func(t *testing.T) {
		f := newSanctionFixture(t)
		s := f.create(t, dto.CreateSanctionRequest{Type: models.SanctionTypeRetraction, RegistrationID: "reg-open", ApproverIDs: []string{"alice"}, Revisable: true, Submit: true})
		before, _ := f.store.get(s.ID).Entry("alice")

		outcome, err := f.svc.Reject(ctx, s.ID, approver("alice"))
		require.NoError(t, err)
		require.Equal(t, models.SanctionStateInProgress, outcome.Sanction.State)
		after, _ := f.store.get(s.ID).Entry("alice")
		require.NotEqual(t, before.ApprovalToken, after.ApprovalToken)
		require.NotEqual(t, before.RejectionToken, after.RejectionToken)
		require.False(t, after.HasApproved)
	})

	t.Run("admin rejection while pending moderation can be resubmitted", func(t *testing.T) {
		f := newSanctionFixture(t)
		s := f.seed("reg-appr", models.SanctionTypeRegistrationApproval, models.SanctionStatePendingModeration, "reg-moderated", "alice")

		outcome, err := f.svc.Reject(ctx, s.ID, approver("alice"))
		require.NoError(t, err)
		require.Equal(t, models.SanctionStateRejected, outcome.Sanction.State)

		outcome, err = f.svc.Resubmit(ctx, s.ID, approver("initiator"))
		require.NoError(t, err)
		require.Equal(t, models.SanctionStateInProgress, outcome.Sanction.State)
		require.Equal(t, models.SanctionStateInProgress, f.store.get(s.ID).State)
	})

	t.Run("moderator rejection while pending moderation is final", func(t *testing.T) {
		f := newSanctionFixture(t)
		s := f.seed("reg-appr", models.SanctionTypeRegistrationApproval, models.SanctionStatePendingModeration, "reg-moderated", "alice")

		outcome, err := f.svc.Reject(ctx, s.ID, moderator("mod-1"))
		require.NoError(t, err)
		require.Equal(t, models.SanctionStateModeratorRejected, outcome.Sanction.State)

		_, err = f.svc.Resubmit(ctx, s.ID, approver("initiator"))
		require.True(t, errors.Is(err, appErrors.ErrInvalidTransition))
		require.Equal(t, models.SanctionStateModeratorRejected, f.store.get(s.ID).State)
	})

	t.Run("moderator cannot reject before approvals complete", func(t *testing.T) {
		f := newSanctionFixture(t)
		s := f.seed("reg-appr", models.SanctionTypeRegistrationApproval, models.SanctionStateUnapproved, "reg-moderated", "alice")

		_, err := f.svc.Reject(ctx, s.ID, moderator("mod-1"))
		require.True(t, errors.Is(err, appErrors.ErrForbidden))
		require.Equal(t, models.SanctionStateUnapproved, f.store.get(s.ID).State)
	})

	t.Run("stranger cannot reject", func(t *testing.T) {
		f := newSanctionFixture(t)
		s := f.seed("emb", models.SanctionTypeEmbargo, models.SanctionStateUnapproved, "reg-open", "alice")

		_, err := f.svc.Reject(ctx, s.ID, approver("mallory"))
		require.True(t, errors.Is(err, appErrors.ErrForbidden))
	})
}

func TestResubmitRequiresInitiator(t *testing.T) {
	f := newSanctionFixture(t)
	ctx := context.Background()
	s := f.seed("emb", models.SanctionTypeEmbargo, models.SanctionStateRejected, "reg-open", "alice")

	_, err := f.svc.Resubmit(ctx, s.ID, approver("alice"))
	require.True(t, errors.Is(err, appErrors.ErrForbidden))

	outcome, err := f.svc.Resubmit(ctx, s.ID, approver("initiator"))
	require.NoError(t, err)
	require.Equal(t, models.SanctionStateInProgress, outcome.Sanction.State)
	entry, _ := f.store.get(s.ID).Entry("alice")
	require.NotEqual(t, "a-alice", entry.ApprovalToken)
}

func TestSubmitValidatesSanction(t *testing.T) {
	f := newSanctionFixture(t)
	ctx := context.Background()

	past := fixedNow.Add(-time.Hour)
	_, err := f.svc.Create(ctx, dto.CreateSanctionRequest{
		Type:           models.SanctionTypeEmbargo,
		RegistrationID: "reg-open",
		InitiatedBy:    "initiator",
		ApproverIDs:    []string{"alice"},
		EndDate:        &past,
		Submit:         true,
	})
	require.True(t, errors.Is(err, appErrors.ErrValidation))

	termination := f.seed("term", models.SanctionTypeEmbargoTerminationApproval, models.SanctionStateInProgress, "reg-open", "alice")
	_, err = f.svc.Submit(ctx, termination.ID, approver("initiator"))
	require.True(t, errors.Is(err, appErrors.ErrValidation))
	require.Equal(t, models.SanctionStateInProgress, f.store.get(termination.ID).State)
}

func TestCreateRejectsInvalidRequests(t *testing.T) {
	f := newSanctionFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, dto.CreateSanctionRequest{Type: "suspension", RegistrationID: "reg-open", InitiatedBy: "x", ApproverIDs: []string{"a"}})
	require.True(t, errors.Is(err, appErrors.ErrValidation))

	_, err = f.svc.Create(ctx, dto.CreateSanctionRequest{Type: models.SanctionTypeRetraction, RegistrationID: "reg-open", InitiatedBy: "x"})
	require.True(t, errors.Is(err, appErrors.ErrValidation))

	_, err = f.svc.Create(ctx, dto.CreateSanctionRequest{Type: models.SanctionTypeRetraction, RegistrationID: "reg-deleted", InitiatedBy: "x", ApproverIDs: []string{"a"}})
	require.True(t, errors.Is(err, appErrors.ErrPreconditionFailed))

	_, err = f.svc.Create(ctx, dto.CreateSanctionRequest{Type: models.SanctionTypeRetraction, RegistrationID: "missing", InitiatedBy: "x", ApproverIDs: []string{"a"}})
	require.True(t, errors.Is(err, appErrors.ErrNotFound))
}

func TestPersistConflictLeavesSanctionUntouched(t *testing.T) {
	f := newSanctionFixture(t)
	ctx := context.Background()
	s := f.seed("emb", models.SanctionTypeEmbargo, models.SanctionStateUnapproved, "reg-open", "alice")
	f.store.applyErr = sql.ErrNoRows

	_, err := f.svc.Approve(ctx, s.ID, approver("alice"))
	require.True(t, errors.Is(err, appErrors.ErrConflict))
	require.Equal(t, models.SanctionStateUnapproved, f.store.get(s.ID).State)
	require.Empty(t, f.notifier.events())
	require.Empty(t, f.metrics.transitions)

	// The consent was recorded; a second click advances the sanction.
	f.store.applyErr = nil
	outcome, err := f.svc.Approve(ctx, s.ID, approver("alice"))
	require.NoError(t, err)
	require.Equal(t, models.TokenStatusApplied, outcome.Status)
	require.Equal(t, models.SanctionStateApproved, f.store.get(s.ID).State)
}

func TestConcurrentApprovalsCountEachApproverOnce(t *testing.T) {
	f := newSanctionFixture(t, WithSanctionLockTiming(time.Minute, 30*time.Second))
	ctx := context.Background()
	s := f.seed("emb", models.SanctionTypeEmbargo, models.SanctionStateUnapproved, "reg-open", "alice", "bob")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		statuses = map[models.TokenStatus]int{}
		failures []error
	)
	for i := 0; i < 20; i++ {
		who := "alice"
		if i%2 == 1 {
			who = "bob"
		}
		wg.Add(1)
		go func(who string) {
			defer wg.Done()
			outcome, err := f.svc.Approve(ctx, s.ID, approver(who))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return
			}
			statuses[outcome.Status]++
		}(who)
	}
	wg.Wait()

	require.Empty(t, failures)
	require.Equal(t, map[models.TokenStatus]int{
		models.TokenStatusApplied:         2,
		models.TokenStatusAlreadyApproved: 18,
	}, statuses)
	require.Equal(t, models.SanctionStateApproved, f.store.get(s.ID).State)

	accepts := 0
	for _, transition := range f.metrics.transitions {
		if strings.HasPrefix(transition, "sanction:accept:") {
			require.Equal(t, "sanction:accept:unapproved>approved", transition)
			accepts++
		}
	}
	require.Equal(t, 1, accepts)
}

func TestBusyLockReturnsLocked(t *testing.T) {
	f := newSanctionFixture(t, WithSanctionLockTiming(time.Second, 0))
	s := f.seed("emb", models.SanctionTypeEmbargo, models.SanctionStateUnapproved, "reg-open", "alice")

	release, err := f.locker.Acquire(context.Background(), sanctionLockKey(s.ID), time.Minute)
	require.NoError(t, err)
	defer release()

	_, err = f.svc.Approve(context.Background(), s.ID, approver("alice"))
	require.True(t, errors.Is(err, appErrors.ErrLocked))
}

func TestForciblyRejectBypassesGuards(t *testing.T) {
	f := newSanctionFixture(t)
	s := f.seed("ret", models.SanctionTypeRetraction, models.SanctionStateInProgress, "reg-open", "alice")

	outcome, err := f.svc.ForciblyReject(context.Background(), s.ID, "registration deleted")
	require.NoError(t, err)
	require.Equal(t, models.SanctionStateRejected, outcome.Sanction.State)
	require.Equal(t, "registration deleted", f.store.actions[len(f.store.actions)-1].Comment)

	outcome, err = f.svc.ForciblyReject(context.Background(), s.ID, "again")
	require.NoError(t, err)
	require.Equal(t, models.TokenStatusAlreadyRejected, outcome.Status)
}

func TestShippedTablesHaveNoShadowedRows(t *testing.T) {
	require.Empty(t, sanctionTransitions.Shadowed())
	require.Empty(t, collectionSubmissionTransitions.Shadowed())
}

func TestSanctionStatesStayWithinFamily(t *testing.T) {
	triggers := []func(*SanctionService, string) error{
		func(s *SanctionService, id string) error { _, err := s.Submit(context.Background(), id, approver("initiator")); return err },
		func(s *SanctionService, id string) error { _, err := s.Approve(context.Background(), id, approver("alice")); return err },
		func(s *SanctionService, id string) error { _, err := s.Approve(context.Background(), id, approver("bob")); return err },
		func(s *SanctionService, id string) error { _, err := s.Accept(context.Background(), id, moderator("mod")); return err },
		func(s *SanctionService, id string) error { _, err := s.Reject(context.Background(), id, approver("bob")); return err },
		func(s *SanctionService, id string) error { _, err := s.Reject(context.Background(), id, moderator("mod")); return err },
		func(s *SanctionService, id string) error { _, err := s.Resubmit(context.Background(), id, approver("initiator")); return err },
		func(s *SanctionService, id string) error { _, err := s.ForciblyReject(context.Background(), id, "gone"); return err },
		func(s *SanctionService, id string) error { _, err := s.CompleteEmbargo(context.Background(), id); return err },
	}
	registrations := []string{"reg-open", "reg-moderated"}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 60
	properties := gopter.NewProperties(parameters)
	properties.Property("every trigger sequence keeps the sanction in its family's states", prop.ForAll(
		func(kind int, moderated bool, revisable bool, steps []int) bool {
			f := newSanctionFixture(t)
			family := models.SanctionTypes[kind]
			registration := registrations[0]
			if moderated {
				registration = registrations[1]
			}
			req := dto.CreateSanctionRequest{
				Type:           family,
				RegistrationID: registration,
				ApproverIDs:    []string{"alice", "bob"},
				Revisable:      revisable,
				InitiatedBy:    "initiator",
			}
			if family == models.SanctionTypeEmbargo {
				end := fixedNow.Add(time.Hour)
				req.EndDate = &end
			}
			if family == models.SanctionTypeEmbargoTerminationApproval {
				parent := f.seed("parent", models.SanctionTypeEmbargo, models.SanctionStateApproved, registration, "alice")
				req.ParentID = &parent.ID
			}
			sanction, err := f.svc.Create(context.Background(), req)
			if err != nil {
				return false
			}
			for _, step := range steps {
				_ = triggers[step](f.svc, sanction.ID)
				stored := f.store.get(sanction.ID)
				if !family.AllowsState(stored.State) {
					return false
				}
				if len(stored.ApprovalState.Pending())+countApproved(stored.ApprovalState) != 2 {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, len(models.SanctionTypes)-1),
		gen.Bool(),
		gen.Bool(),
		gen.SliceOf(gen.IntRange(0, len(triggers)-1)),
	))
	properties.TestingRun(t)
}

func countApproved(state models.ApprovalState) int {
	n := 0
	for _, entry := range state {
		if entry.HasApproved {
			n++
		}
	}
	return n
}
