package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	appErrors "github.com/noah-isme/sanction-engine/pkg/errors"
)

// releaseScript deletes the key only while it still holds the caller's token,
// so a holder whose lease lapsed cannot free someone else's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLockRepository is a lease-based lock table shared across processes.
type RedisLockRepository struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewRedisLockRepository constructs the lock repository.
func NewRedisLockRepository(client redis.UniversalClient, logger *zap.Logger) *RedisLockRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisLockRepository{client: client, logger: logger}
}

// Acquire sets key if absent with a ttl lease. A held key yields appErrors.ErrLocked.
func (r *RedisLockRepository) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	if !ok {
		return nil, appErrors.ErrLocked
	}
	return func() {
		// Release must outlive a cancelled request context.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, r.client, []string{key}, token).Err(); err != nil && err != redis.Nil {
			r.logger.Warn("failed to release lock", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

// Close releases the underlying Redis connection if present.
func (r *RedisLockRepository) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}
