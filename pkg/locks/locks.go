package locks

import (
	"context"
	"errors"
)

// ErrNotOwner is returned when a lock is released by an owner that does not hold it.
var ErrNotOwner = errors.New("lock is held by another owner")

// Locker acquires and releases advisory locks on behalf of an owner.
type Locker interface {
	// Acquire blocks until key is held by owner or ctx is done.
	// Acquiring a key already held by owner returns immediately.
	Acquire(ctx context.Context, key, owner string) error

	// Release frees key if it is held by owner. Releasing a key that is
	// not held is a no-op.
	Release(ctx context.Context, key, owner string) error
}
