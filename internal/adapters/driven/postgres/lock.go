package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.DistributedLock = (*AdvisoryLock)(nil)

// AdvisoryLock implements DistributedLock with session-level advisory locks.
//
// Advisory locks belong to a database session, so each held lock pins its
// own pooled connection until Release. Limitations:
//   - the TTL is ignored; a lock lives until Release or until the session dies
//   - Extend only checks that the lock is still held by this process
//
// Redis locks are preferred; this is the fallback without Redis.
type AdvisoryLock struct {
	db *DB

	mu    sync.Mutex
	conns map[string]*sql.Conn
}

// NewAdvisoryLock creates a new PostgreSQL advisory lock adapter.
func NewAdvisoryLock(db *DB) *AdvisoryLock {
	return &AdvisoryLock{db: db, conns: make(map[string]*sql.Conn)}
}

// hashLockName maps a lock name to the 64-bit advisory lock key (FNV-1a).
func hashLockName(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte("permitflow:lock:" + name))
	return int64(h.Sum64())
}

// Acquire tries the lock without blocking. A lock this process already
// holds is not acquired again, so goroutines of one worker exclude each other.
func (l *AdvisoryLock) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, held := l.conns[name]; held {
		return false, nil
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", hashLockName(name)).Scan(&acquired); err != nil {
		conn.Close()
		return false, err
	}
	if !acquired {
		conn.Close()
		return false, nil
	}

	l.conns[name] = conn
	return true, nil
}

// Release unlocks on the session that acquired the lock. Releasing a lock
// that is not held is not an error.
func (l *AdvisoryLock) Release(ctx context.Context, name string) error {
	l.mu.Lock()
	conn, held := l.conns[name]
	delete(l.conns, name)
	l.mu.Unlock()

	if !held {
		return nil
	}
	defer conn.Close()

	var released bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", hashLockName(name)).Scan(&released); err != nil {
		return err
	}
	return nil
}

// Extend verifies the session holding the lock is still alive.
func (l *AdvisoryLock) Extend(ctx context.Context, name string, ttl time.Duration) error {
	l.mu.Lock()
	conn, held := l.conns[name]
	l.mu.Unlock()

	if !held {
		return fmt.Errorf("lock %s not held", name)
	}
	return conn.PingContext(ctx)
}

// Ping checks if the PostgreSQL backend is healthy.
func (l *AdvisoryLock) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}
