package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/rendis/flowplane/pkg/schema"
)

const leaseKeyPrefix = "flowplane:lease:"

// renewScript extends the lease only while this holder still owns it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the lease only while this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease is a Redis-backed advisory lock. One holder owns a name at a
// time; Renew and Release are no-ops for a holder that lost ownership.
type Lease struct {
	client *redis.Client
	name   string
	token  string
	ttl    time.Duration
}

// NewLease prepares a lease on the given name. Nothing is acquired until
// Acquire succeeds.
func NewLease(client *redis.Client, name string, ttl time.Duration) *Lease {
	return &Lease{
		client: client,
		name:   name,
		token:  uuid.New().String(),
		ttl:    ttl,
	}
}

// Acquire attempts to take the lease. Returns false when another holder
// owns it.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, leaseKeyPrefix+l.name, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", l.name, err)
	}
	return ok, nil
}

// Renew extends the lease TTL. Returns a LEASE_LOST error when ownership
// was lost, which the holder must treat as a stop signal.
func (l *Lease) Renew(ctx context.Context) error {
	n, err := renewScript.Run(ctx, l.client, []string{leaseKeyPrefix + l.name}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("renew lease %s: %w", l.name, err)
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeLeaseLost, "lease %q no longer held", l.name)
	}
	return nil
}

// Release gives the lease up. Releasing a lease already lost or expired
// is not an error.
func (l *Lease) Release(ctx context.Context) error {
	if _, err := releaseScript.Run(ctx, l.client, []string{leaseKeyPrefix + l.name}, l.token).Int(); err != nil {
		return fmt.Errorf("release lease %s: %w", l.name, err)
	}
	return nil
}

// Held reports whether this holder currently owns the lease.
func (l *Lease) Held(ctx context.Context) (bool, error) {
	val, err := l.client.Get(ctx, leaseKeyPrefix+l.name).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return val == l.token, nil
}
