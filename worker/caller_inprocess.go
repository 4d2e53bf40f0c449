package worker

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/taskrelay/taskrelay/server/queue"
	"github.com/taskrelay/taskrelay/server/scheduler"
)

// CollectionCaller adapts a *scheduler.Collection directly to Caller, for a
// worker running in the same process as the server -- no RPC round trip,
// and the scheduler's own ErrCanceled/ErrShutdown sentinels translate
// one-for-one since nothing crosses a wire.
type CollectionCaller struct {
	Collection *scheduler.Collection
}

func (c CollectionCaller) GetWork(ctx context.Context, types []string, maxJobs int) ([]*queue.Job, error) {
	return c.Collection.GetWork(ctx, types, maxJobs)
}

func (c CollectionCaller) Progress(ctx context.Context, id, runID string, completed, total float64) (bool, error) {
	ok, err := c.Collection.Progress(ctx, id, runID, completed, total)
	return ok, translate(err)
}

func (c CollectionCaller) Log(ctx context.Context, id, runID, message string, level queue.LogLevel) (bool, error) {
	ok, err := c.Collection.Log(ctx, id, runID, message, level)
	return ok, translate(err)
}

func (c CollectionCaller) Done(ctx context.Context, id, runID string, result json.RawMessage) (bool, error) {
	ok, err := c.Collection.Done(ctx, id, runID, result)
	return ok, translate(err)
}

func (c CollectionCaller) Fail(ctx context.Context, id, runID, reason string, fatal bool) (bool, error) {
	ok, err := c.Collection.Fail(ctx, id, runID, reason, scheduler.FailOptions{Fatal: fatal})
	return ok, translate(err)
}

// translate maps the scheduler's run-scoped sentinels onto this package's
// own, so JobQueue's handler logic never imports server/scheduler directly.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, scheduler.ErrCanceled):
		return ErrCanceled
	case errors.Is(err, scheduler.ErrShutdown):
		return ErrShutdown
	default:
		return err
	}
}
