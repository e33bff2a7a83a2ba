package service

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sanction-engine/internal/dto"
	"github.com/noah-isme/sanction-engine/internal/models"
	"github.com/noah-isme/sanction-engine/internal/repository"
	appErrors "github.com/noah-isme/sanction-engine/pkg/errors"
)

type memorySubmissionStore struct {
	mu          sync.Mutex
	submissions map[string]*models.CollectionSubmission
	collections map[string]*models.Collection
	changes     []repository.SubmissionChange
	conflict    bool
}

func newMemorySubmissionStore() *memorySubmissionStore {
	return &memorySubmissionStore{
		submissions: map[string]*models.CollectionSubmission{},
		collections: map[string]*models.Collection{
			"open":   {ID: "open", ModerationType: models.ModerationTypeNone, ModeratorIDs: []string{"mod"}},
			"pre":    {ID: "pre", ModerationType: models.ModerationTypePre, ModeratorIDs: []string{"mod"}},
			"hybrid": {ID: "hybrid", ModerationType: models.ModerationTypeHybrid, ModeratorIDs: []string{"mod"}},
		},
	}
}

func (m *memorySubmissionStore) Create(_ context.Context, submission *models.CollectionSubmission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *submission
	m.submissions[submission.ID] = &cp
	return nil
}

func (m *memorySubmissionStore) GetByID(_ context.Context, id string) (*models.CollectionSubmission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.submissions[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *row
	return &cp, nil
}

func (m *memorySubmissionStore) GetCollection(_ context.Context, id string) (*models.Collection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.collections[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *row
	return &cp, nil
}

func (m *memorySubmissionStore) ApplyTransition(_ context.Context, change repository.SubmissionChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.submissions[change.SubmissionID]
	if !ok || row.State != change.From || m.conflict {
		return sql.ErrNoRows
	}
	row.State = change.To
	if change.ItemPublic != nil {
		row.ItemPublic = *change.ItemPublic
	}
	if change.Searchable != nil {
		row.Searchable = *change.Searchable
	}
	m.changes = append(m.changes, change)
	return nil
}

func (m *memorySubmissionStore) get(id string) models.CollectionSubmission {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.submissions[id]
}

func newSubmissionFixture(t *testing.T) (*CollectionSubmissionService, *memorySubmissionStore, *recordingPublisher, *recordingMetrics) {
	t.Helper()
	store := newMemorySubmissionStore()
	notifier := &recordingPublisher{}
	metrics := &recordingMetrics{}
	svc := NewCollectionSubmissionService(store, nil,
		WithSubmissionNotifier(notifier),
		WithSubmissionMetrics(metrics),
		WithSubmissionClock(func() time.Time { return fixedNow }),
	)
	return svc, store, notifier, metrics
}

func createSubmission(t *testing.T, svc *CollectionSubmissionService, collectionID string, creator models.Actor, submit bool) *models.CollectionSubmission {
	t.Helper()
	submission, err := svc.Create(context.Background(), dto.CreateCollectionSubmissionRequest{
		CollectionID: collectionID,
		ItemID:       "item-1",
		Submit:       submit,
	}, creator)
	require.NoError(t, err)
	return submission
}

func TestSubmitRoutesByModerationType(t *testing.T) {
	contributor := models.Actor{ID: "owner"}
	moderatorContributor := models.Actor{ID: "mod"}

	cases := []struct {
		name       string
		collection string
		creator    models.Actor
		want       models.CollectionSubmissionState
		events     []models.NotificationEvent
	}{
		{"unmoderated", "open", contributor, models.CollectionSubmissionStateAccepted,
			[]models.NotificationEvent{models.NotificationSubmissionAccepted}},
		{"pre-moderated", "pre", contributor, models.CollectionSubmissionStatePending,
			[]models.NotificationEvent{models.NotificationSubmissionPending, models.NotificationSubmissionModeratorsPending}},
		{"pre-moderated moderator", "pre", moderatorContributor, models.CollectionSubmissionStatePending,
			[]models.NotificationEvent{models.NotificationSubmissionPending, models.NotificationSubmissionModeratorsPending}},
		{"hybrid", "hybrid", contributor, models.CollectionSubmissionStatePending,
			[]models.NotificationEvent{models.NotificationSubmissionPending, models.NotificationSubmissionModeratorsPending}},
		{"hybrid moderator", "hybrid", moderatorContributor, models.CollectionSubmissionStateAccepted,
			[]models.NotificationEvent{models.NotificationSubmissionAccepted}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc, store, notifier, _ := newSubmissionFixture(t)
			submission := createSubmission(t, svc, tc.collection, tc.creator, true)
			require.Equal(t, tc.want, submission.State)
			require.Equal(t, tc.want, store.get(submission.ID).State)
			require.Equal(t, tc.events, notifier.events())
			require.Equal(t, tc.want == models.CollectionSubmissionStateAccepted, store.get(submission.ID).Searchable)
		})
	}
}

func TestModeratorDecisions(t *testing.T) {
	ctx := context.Background()
	owner := models.Actor{ID: "owner"}
	mod := models.Actor{ID: "mod"}

	t.Run("accept requires a collection moderator", func(t *testing.T) {
		svc, store, notifier, metrics := newSubmissionFixture(t)
		submission := createSubmission(t, svc, "pre", owner, true)

		_, err := svc.Accept(ctx, submission.ID, owner, "")
		require.True(t, errors.Is(err, appErrors.ErrForbidden))
		require.Equal(t, models.CollectionSubmissionStatePending, store.get(submission.ID).State)

		accepted, err := svc.Accept(ctx, submission.ID, mod, " welcome ")
		require.NoError(t, err)
		require.Equal(t, models.CollectionSubmissionStateAccepted, accepted.State)
		stored := store.get(submission.ID)
		require.True(t, stored.ItemPublic)
		require.True(t, stored.Searchable)
		last := store.changes[len(store.changes)-1]
		require.Equal(t, "welcome", last.Action.Comment)
		require.Equal(t, "mod", last.Action.ActorID)
		require.Equal(t, models.NotificationSubmissionAccepted, notifier.last().Event)
		require.Contains(t, metrics.transitions, "collection_submission:accept:pending>accepted")
	})

	t.Run("reject then resubmit", func(t *testing.T) {
		svc, store, notifier, _ := newSubmissionFixture(t)
		submission := createSubmission(t, svc, "hybrid", owner, true)

		_, err := svc.Reject(ctx, submission.ID, mod, "off topic")
		require.NoError(t, err)
		require.Equal(t, models.CollectionSubmissionStateRejected, store.get(submission.ID).State)
		require.Equal(t, "mod", notifier.last().Context["rejected_by"])

		_, err = svc.Resubmit(ctx, submission.ID, models.Actor{ID: "stranger"})
		require.True(t, errors.Is(err, appErrors.ErrForbidden))

		resubmitted, err := svc.Resubmit(ctx, submission.ID, owner)
		require.NoError(t, err)
		require.Equal(t, models.CollectionSubmissionStatePending, resubmitted.State)
	})

	t.Run("cancel returns to in progress", func(t *testing.T) {
		svc, store, notifier, _ := newSubmissionFixture(t)
		submission := createSubmission(t, svc, "pre", owner, true)

		_, err := svc.Cancel(ctx, submission.ID, mod)
		require.True(t, errors.Is(err, appErrors.ErrForbidden))

		_, err = svc.Cancel(ctx, submission.ID, owner)
		require.NoError(t, err)
		require.Equal(t, models.CollectionSubmissionStateInProgress, store.get(submission.ID).State)
		require.Equal(t, models.NotificationSubmissionCancelled, notifier.last().Event)
	})
}

func TestRemoveFromCollection(t *testing.T) {
	ctx := context.Background()
	owner := models.Actor{ID: "owner"}

	svc, store, notifier, _ := newSubmissionFixture(t)
	submission := createSubmission(t, svc, "open", owner, true)

	_, err := svc.Remove(ctx, submission.ID, models.Actor{ID: "stranger"}, "")
	require.True(t, errors.Is(err, appErrors.ErrForbidden))

	removed, err := svc.Remove(ctx, submission.ID, models.Actor{ID: "mod"}, "spam")
	require.NoError(t, err)
	require.Equal(t, models.CollectionSubmissionStateRemoved, removed.State)
	require.False(t, store.get(submission.ID).Searchable)
	require.Equal(t, "moderator", notifier.last().Context["removed_by"])

	again, err := svc.Remove(ctx, submission.ID, owner, "")
	require.NoError(t, err)
	require.True(t, again.Replayed)
	require.Equal(t, models.CollectionSubmissionStateRemoved, again.State)

	resubmitted, err := svc.Resubmit(ctx, submission.ID, owner)
	require.NoError(t, err)
	require.Equal(t, models.CollectionSubmissionStateAccepted, resubmitted.State)
}

func TestDuplicateSubmissionTriggersAreNoOps(t *testing.T) {
	ctx := context.Background()
	owner := models.Actor{ID: "owner"}
	mod := models.Actor{ID: "mod"}

	t.Run("accept twice", func(t *testing.T) {
		svc, store, notifier, metrics := newSubmissionFixture(t)
		submission := createSubmission(t, svc, "pre", owner, true)
		_, err := svc.Accept(ctx, submission.ID, mod, "")
		require.NoError(t, err)
		changes, events := len(store.changes), len(notifier.events())

		again, err := svc.Accept(ctx, submission.ID, mod, "")
		require.NoError(t, err)
		require.True(t, again.Replayed)
		require.Equal(t, models.CollectionSubmissionStateAccepted, again.State)
		require.Len(t, store.changes, changes)
		require.Len(t, notifier.events(), events)
		require.Equal(t, []string{"collection_submission:accept:accepted"}, metrics.replays)
	})

	t.Run("reject twice", func(t *testing.T) {
		svc, store, _, _ := newSubmissionFixture(t)
		submission := createSubmission(t, svc, "pre", owner, true)
		_, err := svc.Reject(ctx, submission.ID, mod, "")
		require.NoError(t, err)

		again, err := svc.Reject(ctx, submission.ID, mod, "")
		require.NoError(t, err)
		require.True(t, again.Replayed)
		require.Equal(t, models.CollectionSubmissionStateRejected, store.get(submission.ID).State)
	})

	t.Run("submit and resubmit after the offer", func(t *testing.T) {
		svc, store, notifier, metrics := newSubmissionFixture(t)
		pending := createSubmission(t, svc, "pre", owner, true)
		accepted := createSubmission(t, svc, "open", owner, true)
		changes, events := len(store.changes), len(notifier.events())

		for _, id := range []string{pending.ID, accepted.ID} {
			submitted, err := svc.Submit(ctx, id, owner)
			require.NoError(t, err)
			require.True(t, submitted.Replayed)
			resubmitted, err := svc.Resubmit(ctx, id, owner)
			require.NoError(t, err)
			require.True(t, resubmitted.Replayed)
		}
		require.Len(t, store.changes, changes)
		require.Len(t, notifier.events(), events)
		require.Len(t, metrics.replays, 4)
	})

	t.Run("unrelated state still fails", func(t *testing.T) {
		svc, _, _, _ := newSubmissionFixture(t)
		submission := createSubmission(t, svc, "open", owner, true)
		_, err := svc.Cancel(ctx, submission.ID, owner)
		require.True(t, errors.Is(err, appErrors.ErrInvalidTransition))
	})
}

func TestCreatorAlwaysAdministersSubmission(t *testing.T) {
	svc, store, _, _ := newSubmissionFixture(t)
	submission, err := svc.Create(context.Background(), dto.CreateCollectionSubmissionRequest{
		CollectionID: "hybrid",
		ItemID:       "item-1",
		ItemAdminIDs: []string{"other", "mod", "other"},
		Submit:       true,
	}, models.Actor{ID: "mod"})
	require.NoError(t, err)
	require.Equal(t, []string{"mod", "other"}, submission.ItemAdminIDs)
	require.Equal(t, models.CollectionSubmissionStateAccepted, store.get(submission.ID).State)
}

func TestCollectionSubmissionErrors(t *testing.T) {
	ctx := context.Background()
	owner := models.Actor{ID: "owner"}

	t.Run("unknown collection", func(t *testing.T) {
		svc, _, _, _ := newSubmissionFixture(t)
		_, err := svc.Create(ctx, dto.CreateCollectionSubmissionRequest{CollectionID: "missing", ItemID: "item-1"}, owner)
		require.True(t, errors.Is(err, appErrors.ErrNotFound))
	})

	t.Run("invalid payload", func(t *testing.T) {
		svc, _, _, _ := newSubmissionFixture(t)
		_, err := svc.Create(ctx, dto.CreateCollectionSubmissionRequest{CollectionID: "open"}, owner)
		require.True(t, errors.Is(err, appErrors.ErrValidation))
	})

	t.Run("unknown submission", func(t *testing.T) {
		svc, _, _, _ := newSubmissionFixture(t)
		_, err := svc.Submit(ctx, "missing", owner)
		require.True(t, errors.Is(err, appErrors.ErrNotFound))
	})

	t.Run("accept from in progress", func(t *testing.T) {
		svc, _, _, _ := newSubmissionFixture(t)
		submission := createSubmission(t, svc, "pre", owner, false)
		_, err := svc.Accept(ctx, submission.ID, models.Actor{ID: "mod"}, "")
		require.True(t, errors.Is(err, appErrors.ErrInvalidTransition))
	})

	t.Run("concurrent change", func(t *testing.T) {
		svc, store, notifier, metrics := newSubmissionFixture(t)
		submission := createSubmission(t, svc, "pre", owner, false)
		store.conflict = true

		_, err := svc.Submit(ctx, submission.ID, owner)
		require.True(t, errors.Is(err, appErrors.ErrConflict))
		require.Equal(t, models.CollectionSubmissionStateInProgress, store.get(submission.ID).State)
		require.Empty(t, notifier.events())
		require.Empty(t, metrics.transitions)
	})

	t.Run("busy lock", func(t *testing.T) {
		store := newMemorySubmissionStore()
		locker := NewMemoryLocker()
		svc := NewCollectionSubmissionService(store, nil, WithSubmissionLocker(locker))
		submission := createSubmission(t, svc, "pre", owner, false)
		release, err := locker.Acquire(ctx, submissionLockKey(submission.ID), time.Minute)
		require.NoError(t, err)
		defer release()

		shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		_, err = svc.Submit(shortCtx, submission.ID, owner)
		require.Error(t, err)
	})
}
