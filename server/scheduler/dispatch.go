package scheduler

import (
	"context"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/taskrelay/taskrelay/server/datastore"
	"github.com/taskrelay/taskrelay/server/queue"
)

// GetWork implements getWork (§4.2 Dispatch): it never blocks on an empty
// queue, and it hands out at most maxJobs jobs, each via its own
// findAndModify so that a candidate lost to a racing dispatch is simply
// skipped rather than retried.
func (c *Collection) GetWork(ctx context.Context, types []string, maxJobs int) ([]*queue.Job, error) {
	if maxJobs <= 0 {
		maxJobs = 1
	}
	if c.isStopped() {
		return nil, nil
	}

	// Over-fetch a little: some candidates will lose their CAS race to a
	// concurrent dispatcher, so the read must offer more than maxJobs to
	// have a chance of filling the request in one pass.
	candidates, err := c.store.Find(ctx, datastore.Query{
		Status:  queue.StatusReady,
		TypeIn:  types,
		Ordered: true,
		Limit:   maxJobs * 4,
	})
	if err != nil {
		return nil, err
	}

	won := make([]*queue.Job, 0, maxJobs)
	now := c.clock()
	for _, cand := range candidates {
		if len(won) >= maxJobs {
			break
		}

		runID := uuid.NewString()
		status := queue.StatusRunning
		entry := queue.LogEntry{Time: now, RunID: runID, Level: queue.LevelInfo, Message: "Running"}
		previous, err := c.store.FindAndModify(ctx, cand.ID, queue.StatusReady, "", datastore.Patch{
			Status:    &status,
			SetRunID:  &runID,
			Updated:   &now,
			AppendLog: &entry,
		})
		if err != nil {
			level.Error(c.logger).Log("msg", "dispatch CAS", "job_id", cand.ID, "err", err)
			continue
		}
		if previous == nil {
			// lost the race to a concurrent worker; move on.
			continue
		}

		dispatched := previous.Clone()
		dispatched.Status = queue.StatusRunning
		dispatched.RunID = &runID
		dispatched.Updated = now
		dispatched.Log = append(dispatched.Log, entry)
		won = append(won, dispatched)
	}

	return won, nil
}

// RecoverRunning is the restart-time recovery sweep of §6.3: any job found
// running at process start reflects a crash mid-run and must be force-
// failed so invariant I1 is restored.
func (c *Collection) RecoverRunning(ctx context.Context) error {
	return c.forceFailRunning(ctx, "Recovered at startup: run was orphaned by a crash")
}
