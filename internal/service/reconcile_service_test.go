package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sanction-engine/internal/models"
)

type recordingReconcileMetrics struct {
	actions  []string
	failures []string
}

func (m *recordingReconcileMetrics) ObserveReconcile(kind, action string, dryRun bool) {
	if dryRun {
		action += "(dry)"
	}
	m.actions = append(m.actions, kind+":"+action)
}

func (m *recordingReconcileMetrics) ObserveReconcileFailure(kind string) {
	m.failures = append(m.failures, kind)
}

type failingLister struct{}

func (failingLister) List(context.Context, models.SanctionFilter) ([]models.Sanction, error) {
	return nil, errors.New("db down")
}

func seedAged(f *sanctionFixture, id string, kind models.SanctionType, state models.SanctionState, registrationID string, age time.Duration) *models.Sanction {
	sanction := f.seed(id, kind, state, registrationID, "alice")
	sanction.InitiationDate = fixedNow.Add(-age)
	f.store.put(sanction)
	return sanction
}

func newReconcileFixture(t *testing.T, opts ...ReconcileOption) (*sanctionFixture, *ReconcileService, *recordingReconcileMetrics) {
	t.Helper()
	f := newSanctionFixture(t)
	metrics := &recordingReconcileMetrics{}
	opts = append([]ReconcileOption{WithReconcileMetrics(metrics)}, opts...)
	return f, NewReconcileService(f.store, f.registrations, f.svc, nil, opts...), metrics
}

func itemFor(report *ReconcileReport, id string) ReconcileItem {
	for _, item := range report.Items {
		if item.SanctionID == id {
			return item
		}
	}
	return ReconcileItem{}
}

func TestReconcileAdvancesOverdueSanctions(t *testing.T) {
	f, svc, metrics := newReconcileFixture(t)

	stale := seedAged(f, "emb-stale", models.SanctionTypeEmbargo, models.SanctionStateUnapproved, "reg-open", 72*time.Hour)
	young := seedAged(f, "emb-young", models.SanctionTypeEmbargo, models.SanctionStateUnapproved, "reg-open", time.Hour)
	expired := seedAged(f, "emb-expired", models.SanctionTypeEmbargo, models.SanctionStateApproved, "reg-moderated", 30*24*time.Hour)
	end := fixedNow.Add(-time.Minute)
	expired.EndDate = &end
	f.store.put(expired)
	retraction := seedAged(f, "ret-stale", models.SanctionTypeRetraction, models.SanctionStateUnapproved, "reg-moderated", 72*time.Hour)
	orphan := seedAged(f, "ret-orphan", models.SanctionTypeRetraction, models.SanctionStateUnapproved, "reg-deleted", 72*time.Hour)

	report, err := svc.Run(context.Background(), RunOptions{Now: fixedNow})
	require.NoError(t, err)
	require.False(t, report.DryRun)
	require.Equal(t, 4, report.Applied)
	require.Zero(t, report.Failed)

	require.Equal(t, models.SanctionStateApproved, f.store.get(stale.ID).State)
	require.Equal(t, models.SanctionStateUnapproved, f.store.get(young.ID).State)
	require.Equal(t, models.SanctionStateCompleted, f.store.get(expired.ID).State)
	require.True(t, f.registrations.get("reg-moderated").IsPublic)
	// Moderated registrations still go through their moderators.
	require.Equal(t, models.SanctionStatePendingModeration, f.store.get(retraction.ID).State)
	require.Equal(t, models.SanctionStateRejected, f.store.get(orphan.ID).State)

	require.Equal(t, ReconcileKindPendingEmbargo, itemFor(report, stale.ID).Kind)
	require.Equal(t, ReconcileActionComplete, itemFor(report, expired.ID).Action)
	require.Equal(t, ReconcileActionForceReject, itemFor(report, orphan.ID).Action)
	require.Contains(t, metrics.actions, "expired_embargo:complete")
	require.Contains(t, metrics.actions, "pending_approval:force_reject")

	require.Equal(t, models.SystemActorID, f.store.actions[len(f.store.actions)-1].ActorID)
}

func TestReconcileDryRunChangesNothing(t *testing.T) {
	f, svc, metrics := newReconcileFixture(t)
	stale := seedAged(f, "emb-stale", models.SanctionTypeEmbargo, models.SanctionStateUnapproved, "reg-open", 72*time.Hour)
	orphan := seedAged(f, "reg-orphan", models.SanctionTypeRegistrationApproval, models.SanctionStateUnapproved, "missing", 72*time.Hour)

	report, err := svc.Run(context.Background(), RunOptions{DryRun: true, Now: fixedNow})
	require.NoError(t, err)
	require.True(t, report.DryRun)
	require.Equal(t, 2, report.Planned)
	require.Zero(t, report.Applied)
	require.Equal(t, "would_accept", itemFor(report, stale.ID).Action)
	require.Equal(t, "would_force_reject", itemFor(report, orphan.ID).Action)

	require.Equal(t, models.SanctionStateUnapproved, f.store.get(stale.ID).State)
	require.Equal(t, models.SanctionStateUnapproved, f.store.get(orphan.ID).State)
	require.Zero(t, f.store.batchCount())
	require.ElementsMatch(t, []string{"pending_embargo:would_accept(dry)", "pending_approval:would_force_reject(dry)"}, metrics.actions)
}

func TestReconcileSkipsLockedSanctions(t *testing.T) {
	f, svc, _ := newReconcileFixture(t)
	busy := seedAged(f, "emb-busy", models.SanctionTypeEmbargo, models.SanctionStateUnapproved, "reg-open", 72*time.Hour)
	free := seedAged(f, "emb-free", models.SanctionTypeEmbargo, models.SanctionStateUnapproved, "reg-open", 71*time.Hour)

	release, err := f.locker.Acquire(context.Background(), sanctionLockKey(busy.ID), time.Minute)
	require.NoError(t, err)
	defer release()

	report, err := svc.Run(context.Background(), RunOptions{Now: fixedNow})
	require.NoError(t, err)
	require.Equal(t, ReconcileStatusSkipped, itemFor(report, busy.ID).Status)
	require.Equal(t, ReconcileStatusApplied, itemFor(report, free.ID).Status)
	require.Equal(t, models.SanctionStateUnapproved, f.store.get(busy.ID).State)
}

func TestReconcilePagesThroughCandidates(t *testing.T) {
	f, svc, _ := newReconcileFixture(t, WithReconcileBatchSize(1))
	ids := []string{"emb-a", "emb-b", "emb-c"}
	end := fixedNow.Add(30 * 24 * time.Hour)
	for i, id := range ids {
		sanction := seedAged(f, id, models.SanctionTypeEmbargo, models.SanctionStateUnapproved, "reg-open", time.Duration(72+i)*time.Hour)
		sanction.EndDate = &end
		f.store.put(sanction)
	}

	report, err := svc.Run(context.Background(), RunOptions{Now: fixedNow})
	require.NoError(t, err)
	require.Equal(t, 3, report.Applied)
	for _, id := range ids {
		require.Equal(t, models.SanctionStateApproved, f.store.get(id).State)
	}

	dry, err := svc.Run(context.Background(), RunOptions{DryRun: true, Now: fixedNow.Add(365 * 24 * time.Hour)})
	require.NoError(t, err)
	require.Equal(t, 3, dry.Planned, "approved embargoes past their end date")
}

func TestReconcileIsolatesFailuresAndRerunsIdempotently(t *testing.T) {
	f, svc, metrics := newReconcileFixture(t)
	ids := []string{"emb-a", "emb-b", "emb-c"}
	for i, id := range ids {
		seedAged(f, id, models.SanctionTypeEmbargo, models.SanctionStateUnapproved, "reg-open", time.Duration(72+i)*time.Hour)
	}
	f.store.failFor("emb-b", errors.New("write timeout"))

	report, err := svc.Run(context.Background(), RunOptions{Now: fixedNow})
	require.NoError(t, err)
	require.Equal(t, 2, report.Applied)
	require.Equal(t, 1, report.Failed)
	require.Equal(t, ReconcileStatusFailed, itemFor(report, "emb-b").Status)
	require.Equal(t, ReconcileStatusApplied, itemFor(report, "emb-a").Status)
	require.Equal(t, ReconcileStatusApplied, itemFor(report, "emb-c").Status)
	require.Equal(t, models.SanctionStateUnapproved, f.store.get("emb-b").State)
	require.Equal(t, []string{ReconcileKindPendingEmbargo}, metrics.failures)
	batches := f.store.batchCount()

	f.store.failFor("emb-b", nil)
	rerun, err := svc.Run(context.Background(), RunOptions{Now: fixedNow})
	require.NoError(t, err)
	require.Equal(t, 1, rerun.Applied)
	require.Zero(t, rerun.Failed)
	require.Len(t, rerun.Items, 1)
	require.Equal(t, batches+1, f.store.batchCount())
	for _, id := range ids {
		require.Equal(t, models.SanctionStateApproved, f.store.get(id).State)
	}
}

func TestReconcileForciblyRejectsEmbargoesOfDeletedRegistrations(t *testing.T) {
	f, svc, metrics := newReconcileFixture(t)

	expired := seedAged(f, "emb-expired", models.SanctionTypeEmbargo, models.SanctionStateApproved, "reg-deleted", 30*24*time.Hour)
	end := fixedNow.Add(-time.Hour)
	expired.EndDate = &end
	f.store.put(expired)
	orphan := seedAged(f, "emb-orphan", models.SanctionTypeEmbargo, models.SanctionStateUnapproved, "reg-deleted", 72*time.Hour)

	report, err := svc.Run(context.Background(), RunOptions{Now: fixedNow})
	require.NoError(t, err)
	require.Equal(t, 2, report.Applied)
	require.Zero(t, report.Failed)

	require.Equal(t, models.SanctionStateRejected, f.store.get(expired.ID).State)
	require.Equal(t, ReconcileKindExpiredEmbargo, itemFor(report, expired.ID).Kind)
	require.Equal(t, ReconcileActionForceReject, itemFor(report, expired.ID).Action)
	require.False(t, f.registrations.get("reg-deleted").IsPublic)

	require.Equal(t, models.SanctionStateRejected, f.store.get(orphan.ID).State)
	require.Equal(t, ReconcileKindPendingEmbargo, itemFor(report, orphan.ID).Kind)
	require.Equal(t, ReconcileActionForceReject, itemFor(report, orphan.ID).Action)
	require.ElementsMatch(t, []string{"pending_embargo:force_reject", "expired_embargo:force_reject"}, metrics.actions)
}

func TestReconcileAbortsWhenCandidatesCannotLoad(t *testing.T) {
	f := newSanctionFixture(t)
	metrics := &recordingReconcileMetrics{}
	svc := NewReconcileService(failingLister{}, f.registrations, f.svc, nil, WithReconcileMetrics(metrics))

	_, err := svc.Run(context.Background(), RunOptions{Now: fixedNow})
	require.Error(t, err)
	require.Equal(t, []string{ReconcileKindPendingEmbargo}, metrics.failures)
}
