// Package lock provides the distributed leader-election primitive (§4.6)
// that lets exactly one coordinator process drive a collection's promotion,
// dispatch-cascade, and retention ticks when several processes share one
// record store. Losing a lock attempt is not an error: it means another
// process is the leader for that tick.
package lock

import (
	"context"
	"time"
)

// Locker obtains and releases a named, owned, expiring lock.
type Locker interface {
	// Lock attempts to acquire (or renew, if owner already holds it) the
	// lock named name on behalf of owner, expiring after expiration unless
	// renewed again. It must not block.
	Lock(ctx context.Context, name string, owner string, expiration time.Duration) (bool, error)

	// Unlock releases the lock if owner currently holds it. Unlocking a
	// lock not held by owner is not an error.
	Unlock(ctx context.Context, name string, owner string) error
}
