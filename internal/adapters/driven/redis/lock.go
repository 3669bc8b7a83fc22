package redis

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.DistributedLock = (*Lock)(nil)

const defaultLockPrefix = "permitflow:lock:"

// Lock implements DistributedLock with SET NX PX. The value is an owner ID,
// and release and extend are Lua compare-and-act scripts, so one instance
// never touches a lock another instance holds. Locks are not reentrant.
type Lock struct {
	client  *redis.Client
	prefix  string
	ownerID string
}

// LockOption customises a Lock.
type LockOption func(*Lock)

// WithLockPrefix namespaces lock keys.
func WithLockPrefix(prefix string) LockOption {
	return func(l *Lock) { l.prefix = prefix }
}

// WithOwnerID fixes the owner ID, e.g. to a worker name.
func WithOwnerID(owner string) LockOption {
	return func(l *Lock) { l.ownerID = owner }
}

// NewLock creates a Redis lock. The owner ID defaults to hostname:pid:random.
func NewLock(client *redis.Client, opts ...LockOption) *Lock {
	l := &Lock{client: client, prefix: defaultLockPrefix}
	for _, opt := range opts {
		opt(l)
	}
	if l.ownerID == "" {
		l.ownerID = generateOwnerID()
	}
	return l
}

func generateOwnerID() string {
	hostname, _ := os.Hostname()
	randomBytes := make([]byte, 8)
	_, _ = rand.Read(randomBytes)
	return fmt.Sprintf("%s:%d:%s", hostname, os.Getpid(), hex.EncodeToString(randomBytes))
}

// OwnerID returns the value this instance writes into its locks.
func (l *Lock) OwnerID() string {
	return l.ownerID
}

func (l *Lock) key(name string) string {
	return l.prefix + name
}

// Acquire sets the lock key if absent. Returns false if any owner holds it.
func (l *Lock) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(name), l.ownerID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	return ok, nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Release deletes the lock if this instance owns it. Releasing an expired
// or foreign lock is a no-op.
func (l *Lock) Release(ctx context.Context, name string) error {
	err := releaseScript.Run(ctx, l.client, []string{l.key(name)}, l.ownerID).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %s: %w", name, err)
	}
	return nil
}

// Extend resets the TTL of a lock this instance owns.
func (l *Lock) Extend(ctx context.Context, name string, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key(name)}, l.ownerID, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extend lock %s: %w", name, err)
	}
	if n == 0 {
		return fmt.Errorf("lock %s not held by this instance", name)
	}
	return nil
}

// Ping checks if the Redis backend is healthy.
func (l *Lock) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
