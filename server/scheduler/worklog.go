package scheduler

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/taskrelay/taskrelay/server/datastore"
	"github.com/taskrelay/taskrelay/server/queue"
)

// liveRun loads the job by id and checks it is still the run the caller
// thinks it is: running, with a matching runId. It is the single guard
// shared by Progress/Log/Done/Fail, implementing §5's "worker observes the
// cancel when it next calls progress/log/done/fail" rule -- any mismatch
// (the job moved on, or was cancelled, since the worker last checked in)
// surfaces as ErrCanceled so the worker can abort.
func (c *Collection) liveRun(ctx context.Context, id, runID string) (*queue.Job, error) {
	if c.isStopped() {
		return nil, ErrShutdown
	}
	doc, err := c.store.FindOne(ctx, datastore.Query{ID: id})
	if err != nil {
		if errors.Is(err, datastore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if doc.Status != queue.StatusRunning || doc.RunID == nil || *doc.RunID != runID {
		return nil, ErrCanceled
	}
	return doc, nil
}

// Progress implements jobProgress.
func (c *Collection) Progress(ctx context.Context, id, runID string, completed, total float64) (bool, error) {
	if _, err := c.liveRun(ctx, id, runID); err != nil {
		return false, err
	}

	now := c.clock()
	progress := queue.NewProgress(completed, total)
	n, err := c.store.Update(ctx, datastore.Query{ID: id, Status: queue.StatusRunning, RunID: runID}, datastore.Patch{
		Progress: &progress,
		Updated:  &now,
	})
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, ErrCanceled
	}
	return true, nil
}

// Log implements jobLog.
func (c *Collection) Log(ctx context.Context, id, runID, message string, level queue.LogLevel) (bool, error) {
	if _, err := c.liveRun(ctx, id, runID); err != nil {
		return false, err
	}
	if level == "" {
		level = queue.LevelInfo
	}

	now := c.clock()
	entry := queue.LogEntry{Time: now, RunID: runID, Level: level, Message: message}
	n, err := c.store.Update(ctx, datastore.Query{ID: id, Status: queue.StatusRunning, RunID: runID}, datastore.Patch{
		AppendLog: &entry,
		Updated:   &now,
	})
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, ErrCanceled
	}
	return true, nil
}

// Done implements jobDone: running -> completed, then the dependency and
// repeat cascades of §4.2.
func (c *Collection) Done(ctx context.Context, id, runID string, result json.RawMessage) (bool, error) {
	if _, err := c.liveRun(ctx, id, runID); err != nil {
		return false, err
	}

	now := c.clock()
	status := queue.StatusCompleted
	entry := queue.LogEntry{Time: now, RunID: runID, Level: queue.LevelSuccess, Message: "Completed"}
	resultBytes := []byte(result)
	previous, err := c.store.FindAndModify(ctx, id, queue.StatusRunning, runID, datastore.Patch{
		Status:     &status,
		ClearRunID: true,
		Updated:    &now,
		AppendLog:  &entry,
		Result:     &resultBytes,
	})
	if err != nil {
		return false, err
	}
	if previous == nil {
		return false, ErrCanceled
	}

	if err := c.resolveDependents(ctx, id); err != nil {
		return false, errors.Wrap(err, "jobDone: dependency cascade")
	}
	if previous.RepeatsRemaining() {
		if err := c.spawnRepeat(ctx, previous); err != nil {
			return false, errors.Wrap(err, "jobDone: repeat cascade")
		}
	}
	return true, nil
}

// FailOptions configures jobFail.
type FailOptions struct {
	Fatal bool
}

// Fail implements jobFail: retries remaining and not fatal recycles the job
// to waiting after retryWait; otherwise it terminally fails.
func (c *Collection) Fail(ctx context.Context, id, runID, reason string, opts FailOptions) (bool, error) {
	doc, err := c.liveRun(ctx, id, runID)
	if err != nil {
		return false, err
	}

	now := c.clock()
	entry := queue.LogEntry{Time: now, RunID: runID, Level: queue.LevelDanger, Message: reason}

	if !opts.Fatal && doc.RetriesRemaining() {
		status := queue.StatusWaiting
		after := now.Add(msToDuration(doc.RetryWait))
		retries := queue.DecrementBudget(doc.Retries)
		retried := doc.Retried + 1
		patch := datastore.Patch{
			Status:     &status,
			ClearRunID: true,
			Updated:    &now,
			After:      &after,
			Retries:    &retries,
			Retried:    &retried,
			AppendLog:  &entry,
		}
		previous, err := c.store.FindAndModify(ctx, id, queue.StatusRunning, runID, patch)
		if err != nil {
			return false, err
		}
		if previous == nil {
			return false, ErrCanceled
		}
		return true, nil
	}

	status := queue.StatusFailed
	previous, err := c.store.FindAndModify(ctx, id, queue.StatusRunning, runID, datastore.Patch{
		Status:     &status,
		ClearRunID: true,
		Updated:    &now,
		AppendLog:  &entry,
	})
	if err != nil {
		return false, err
	}
	if previous == nil {
		return false, ErrCanceled
	}
	return true, nil
}
