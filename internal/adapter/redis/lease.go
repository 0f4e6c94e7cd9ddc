package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pscheid92/fanout/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

const leaseKeyPrefix = "fanout:actor:"

// KEYS[1] = lease key, ARGV[1] = owner, ARGV[2] = ttl ms
var renewLeaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// KEYS[1] = lease key, ARGV[1] = owner
var releaseLeaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func leaseKey(key string) string {
	return leaseKeyPrefix + key
}

// Leaser hands out per-key actor leases so at most one instance runs a key's actor.
type Leaser struct {
	rdb   *goredis.Client
	owner string
	ttl   time.Duration
}

var _ domain.Leaser = (*Leaser)(nil)

func NewLeaser(rdb *goredis.Client, owner string, ttl time.Duration) *Leaser {
	return &Leaser{rdb: rdb, owner: owner, ttl: ttl}
}

// Acquire takes the lease for key. A lease this instance already holds (same owner
// id, e.g. after a quick restart) is taken over and extended.
func (l *Leaser) Acquire(ctx context.Context, key string) (domain.Lease, error) {
	k := leaseKey(key)

	ok, err := l.rdb.SetNX(ctx, k, l.owner, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lease for %s: %w", key, err)
	}

	lease := &Lease{rdb: l.rdb, key: k, owner: l.owner, ttl: l.ttl}
	if ok {
		return lease, nil
	}

	current, err := l.rdb.Get(ctx, k).Result()
	if errors.Is(err, goredis.Nil) {
		// Expired between SETNX and GET: the key is free again, claim it once more.
		ok, err = l.rdb.SetNX(ctx, k, l.owner, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lease for %s: %w", key, err)
		}
		if ok {
			return lease, nil
		}
		if current, err = l.rdb.Get(ctx, k).Result(); errors.Is(err, goredis.Nil) {
			err = nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read lease owner for %s: %w", key, err)
	}
	if current != l.owner {
		return nil, fmt.Errorf("%w: key %s owned by %q", domain.ErrLeaseHeld, key, current)
	}
	if err := lease.Renew(ctx); err != nil {
		return nil, err
	}
	return lease, nil
}

// Owner returns the instance currently holding key's lease, or "" when free.
func (l *Leaser) Owner(ctx context.Context, key string) (string, error) {
	owner, err := l.rdb.Get(ctx, leaseKey(key)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", nil
	}
	return owner, err
}

// Lease is one held actor lease.
type Lease struct {
	rdb   *goredis.Client
	key   string
	owner string
	ttl   time.Duration
}

func (l *Lease) Renew(ctx context.Context) error {
	n, err := renewLeaseScript.Run(ctx, l.rdb, []string{l.key}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to renew lease %s: %w", l.key, err)
	}
	if n == 0 {
		return domain.ErrLeaseLost
	}
	return nil
}

// Release deletes the lease if this instance still owns it.
func (l *Lease) Release(ctx context.Context) error {
	if err := releaseLeaseScript.Run(ctx, l.rdb, []string{l.key}, l.owner).Err(); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", l.key, err)
	}
	return nil
}
