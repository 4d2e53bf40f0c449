package lock

import (
	"context"
	"time"
)

// Always is a no-op Locker that always grants the lock, appropriate for a
// single-coordinator-process deployment where leader election has no one
// to elect against.
type Always struct{}

func (Always) Lock(ctx context.Context, name, owner string, expiration time.Duration) (bool, error) {
	return true, nil
}

func (Always) Unlock(ctx context.Context, name, owner string) error {
	return nil
}
