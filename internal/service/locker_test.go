package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	appErrors "github.com/noah-isme/sanction-engine/pkg/errors"
)

func TestMemoryLockerExclusive(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "k", time.Minute)
	require.True(t, errors.Is(err, appErrors.ErrLocked))

	other, err := locker.Acquire(ctx, "other", time.Minute)
	require.NoError(t, err)
	other()

	release()
	release()
	again, err := locker.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	again()
}

func TestMemoryLockerExpiredLeaseIsTakenOver(t *testing.T) {
	locker := NewMemoryLocker()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	locker.now = func() time.Time { return now }
	ctx := context.Background()

	stale, err := locker.Acquire(ctx, "k", time.Second)
	require.NoError(t, err)

	now = now.Add(2 * time.Second)
	current, err := locker.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	// The lapsed holder must not free the new lease.
	stale()
	_, err = locker.Acquire(ctx, "k", time.Minute)
	require.True(t, errors.Is(err, appErrors.ErrLocked))
	current()
}

func TestAcquireWithinWaitsForRelease(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	release, err := locker.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	go func() {
		time.Sleep(30 * time.Millisecond)
		release()
	}()

	got, err := acquireWithin(ctx, locker, "k", time.Minute, 2*time.Second)
	require.NoError(t, err)
	got()

	held, err := locker.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	defer held()
	_, err = acquireWithin(ctx, locker, "k", time.Minute, 0)
	require.True(t, errors.Is(err, appErrors.ErrLocked))
}
