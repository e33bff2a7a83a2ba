package service

import (
	"context"
	"errors"
	"sync"
	"time"

	appErrors "github.com/noah-isme/sanction-engine/pkg/errors"
)

// Locker serialises work on one sanction or submission across callers.
// Acquire returns appErrors.ErrLocked when the key is held elsewhere.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// MemoryLocker is a per-key lock table for single-process deployments and tests.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

// NewMemoryLocker constructs an empty lock table.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]time.Time), now: time.Now}
}

// Acquire takes key if it is free or its previous holder's ttl has lapsed.
func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if expires, ok := l.held[key]; ok && now.Before(expires) {
		return nil, appErrors.ErrLocked
	}
	expires := now.Add(ttl)
	l.held[key] = expires

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if current, ok := l.held[key]; ok && current.Equal(expires) {
				delete(l.held, key)
			}
		})
	}, nil
}

// acquireWithin retries a busy lock until wait elapses. A zero wait tries once.
func acquireWithin(ctx context.Context, locker Locker, key string, ttl, wait time.Duration) (func(), error) {
	deadline := time.Now().Add(wait)
	backoff := 10 * time.Millisecond
	for {
		release, err := locker.Acquire(ctx, key, ttl)
		if err == nil {
			return release, nil
		}
		if !errors.Is(err, appErrors.ErrLocked) || time.Now().Add(backoff).After(deadline) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 200*time.Millisecond {
			backoff *= 2
		}
	}
}

func sanctionLockKey(id string) string {
	return "lock:sanction:" + id
}

func submissionLockKey(id string) string {
	return "lock:collection_submission:" + id
}
