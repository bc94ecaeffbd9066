package engine

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/rendis/flowplane/internal/idempotency"
)

// Lock is an acquired ownership claim that must be kept alive while the
// holder works and released when it stops.
type Lock interface {
	Renew(ctx context.Context) error
	Release(ctx context.Context) error
}

// Locker hands out named locks. Acquire returns false when another holder
// already owns the name.
type Locker interface {
	Acquire(ctx context.Context, name string) (Lock, bool, error)
}

// RedisLocker backs run ownership with Redis leases so that two engine
// instances never drive the same run.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLocker creates a Locker over the given client. TTL values below
// one second are clamped.
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl < time.Second {
		ttl = time.Second
	}
	return &RedisLocker{client: client, ttl: ttl}
}

func (rl *RedisLocker) Acquire(ctx context.Context, name string) (Lock, bool, error) {
	lease := idempotency.NewLease(rl.client, name, rl.ttl)
	ok, err := lease.Acquire(ctx)
	if err != nil || !ok {
		return nil, false, err
	}
	return lease, true, nil
}

// noopLocker is used when no Redis is configured. Single-instance
// deployments need no cross-process ownership.
type noopLocker struct{}

type noopLock struct{}

func (noopLocker) Acquire(context.Context, string) (Lock, bool, error) {
	return noopLock{}, true, nil
}

func (noopLock) Renew(context.Context) error   { return nil }
func (noopLock) Release(context.Context) error { return nil }
