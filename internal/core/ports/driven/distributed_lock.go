package driven

import (
	"context"
	"time"
)

// DistributedLock serializes work across worker nodes. Workers hold
// "submission:<id>" while advancing a submission; the scheduler holds
// "scheduler" for one polling cycle.
type DistributedLock interface {
	// Acquire takes name for ttl. A lock held elsewhere yields (false, nil);
	// an error means the backend could not answer.
	Acquire(ctx context.Context, name string, ttl time.Duration) (acquired bool, err error)

	// Release drops a lock held by this node. Releasing a lock that is not
	// held or already expired is not an error.
	Release(ctx context.Context, name string) error

	// Extend pushes the expiry of a lock this node holds to ttl from now.
	// It fails when the lock was lost.
	Extend(ctx context.Context, name string, ttl time.Duration) error

	Ping(ctx context.Context) error
}
