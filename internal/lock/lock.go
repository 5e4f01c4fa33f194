// Package lock implements the Redis-backed per-conversation single-writer
// lock with fencing tokens. Release and extend are compare-and-act Lua
// scripts so a stale holder can never touch another holder's lock.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrAcquireTimeout is returned when the wait budget is exhausted without
// the lock being acquired.
var ErrAcquireTimeout = errors.New("lock: acquisition timed out")

// DefaultRetryInterval is the pause between acquisition attempts.
const DefaultRetryInterval = 100 * time.Millisecond

func lockKey(resource string) string {
	return "lock:" + resource
}

var compareAndDeleteScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

var compareAndExtendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// Locker acquires and releases distributed locks.
type Locker struct {
	rdb           redis.UniversalClient
	retryInterval time.Duration
}

// New creates a Locker.
func New(rdb redis.UniversalClient) *Locker {
	return &Locker{rdb: rdb, retryInterval: DefaultRetryInterval}
}

// Acquire takes the lock on resource with the given TTL, retrying until the
// wait budget runs out. It returns the fencing token the caller must present
// to Release and Extend.
func (l *Locker) Acquire(ctx context.Context, resource string, ttl, waitBudget time.Duration) (string, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(waitBudget)

	for {
		ok, err := l.rdb.SetNX(ctx, lockKey(resource), token, ttl).Result()
		if err != nil {
			return "", fmt.Errorf("acquiring lock on %s: %w", resource, err)
		}
		if ok {
			return token, nil
		}
		if time.Now().After(deadline) {
			return "", ErrAcquireTimeout
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(l.retryInterval):
		}
	}
}

// Release deletes the lock if the token still owns it. Returns whether the
// delete happened.
func (l *Locker) Release(ctx context.Context, resource, token string) (bool, error) {
	n, err := compareAndDeleteScript.Run(ctx, l.rdb, []string{lockKey(resource)}, token).Int()
	if err != nil {
		return false, fmt.Errorf("releasing lock on %s: %w", resource, err)
	}
	return n == 1, nil
}

// Extend resets the TTL if the token still owns the lock. Returns whether
// the extension happened.
func (l *Locker) Extend(ctx context.Context, resource, token string, ttl time.Duration) (bool, error) {
	n, err := compareAndExtendScript.Run(ctx, l.rdb, []string{lockKey(resource)}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("extending lock on %s: %w", resource, err)
	}
	return n == 1, nil
}

// IsLocked reports whether any holder currently owns the resource.
func (l *Locker) IsLocked(ctx context.Context, resource string) (bool, error) {
	n, err := l.rdb.Exists(ctx, lockKey(resource)).Result()
	if err != nil {
		return false, fmt.Errorf("checking lock on %s: %w", resource, err)
	}
	return n == 1, nil
}
