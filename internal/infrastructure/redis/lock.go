package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	domainErrors "github.com/cassiomorais/apgateway/internal/domain/errors"
)

// Only the owner may release.
var releaseLockScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Locker hands out single-owner locks backed by SET NX PX.
type Locker struct {
	client *redis.Client
}

func NewLocker(client *redis.Client) *Locker {
	return &Locker{client: client}
}

// Acquire takes the lock for key without waiting. It fails with
// ErrLockAcquisitionFailed when another owner holds it. The returned
// release func reports ErrLockNotHeld if the lock expired meanwhile.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	lock := &Lock{
		client: l.client,
		key:    "lock:" + key,
		token:  uuid.NewString(),
	}

	ok, err := l.client.SetNX(ctx, lock.key, lock.token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", domainErrors.ErrLockAcquisitionFailed, key)
	}
	return lock.Release, nil
}

// Lock is one held lock.
type Lock struct {
	client *redis.Client
	key    string
	token  string
}

func (l *Lock) Release(ctx context.Context) error {
	result, err := releaseLockScript.Run(ctx, l.client, []string{l.key}, l.token).Result()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if val, ok := result.(int64); !ok || val == 0 {
		return fmt.Errorf("%w: %s", domainErrors.ErrLockNotHeld, l.key)
	}
	return nil
}
